package crypto

import (
	"crypto/sha256"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// TrafficSecretLen is the width of a derived traffic secret (§8: "both
// derive the same 32-byte traffic secret").
const TrafficSecretLen = 32

// DirectionalKeys holds the independent send/recv AEAD keys and IVs
// derived for one direction of traffic.
type DirectionalKeys struct {
	Key [TrafficSecretLen]byte
	IV  [nonceLen]byte
}

// DeriveTrafficSecret implements §4.2 step 3:
//
//	traffic_secret = HKDF-Extract-Expand(S, info = "jsp-v1" || client_random || server_random)
func DeriveTrafficSecret(sharedSecret, clientRandom, serverRandom []byte) [TrafficSecretLen]byte {
	info := append([]byte("jsp-v1"), clientRandom...)
	info = append(info, serverRandom...)
	r := hkdf.New(sha256.New, sharedSecret, nil, info)
	var secret [TrafficSecretLen]byte
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		panic("crypto: hkdf expand failed: " + err.Error())
	}
	return secret
}

// DeriveDirectionalKeys expands a traffic secret into the key/IV pair
// used for one direction ("client-to-server" or "server-to-client"),
// keeping client and server directions independent as required by §3.
func DeriveDirectionalKeys(trafficSecret [TrafficSecretLen]byte, label string) DirectionalKeys {
	r := hkdf.New(sha256.New, trafficSecret[:], nil, []byte(label))
	var d DirectionalKeys
	if _, err := io.ReadFull(r, d.Key[:]); err != nil {
		panic("crypto: hkdf expand failed: " + err.Error())
	}
	if _, err := io.ReadFull(r, d.IV[:]); err != nil {
		panic("crypto: hkdf expand failed: " + err.Error())
	}
	return d
}

// UpdateTrafficSecret advances the key schedule for a key update (§4.2
// "Key update"): the new secret is an HKDF-expand of the current one, so
// compromise of a later secret never reveals an earlier one.
func UpdateTrafficSecret(current [TrafficSecretLen]byte) [TrafficSecretLen]byte {
	r := hkdf.New(sha256.New, current[:], nil, []byte("jsp-v1 key update"))
	var next [TrafficSecretLen]byte
	if _, err := io.ReadFull(r, next[:]); err != nil {
		panic("crypto: hkdf expand failed: " + err.Error())
	}
	return next
}

// Key update thresholds (§4.2): whichever trigger fires first starts a
// new epoch.
const (
	KeyUpdatePacketThreshold uint64        = 1 << 32
	KeyUpdateTimeThreshold   time.Duration = time.Hour
)
