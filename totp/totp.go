package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// CodePeriod is the validity window of a single login code, in seconds.
const CodePeriod = 30

// codeChars is the alphabet Steam uses for login codes. Visually ambiguous
// symbols (0/O, 1/I/L, ...) are excluded.
const codeChars = "23456789BCDFGHJKMNPQRTVWXY"

const codeLength = 5

const deviceIDPrefix = "android:"

var (
	ErrZeroTime        = eris.New("totp: time must be non-zero")
	ErrInvalidDeviceID = eris.New("totp: invalid device id")
)

// State holds an authenticator's decoded secrets. Secrets are immutable after
// construction; the device id may be replaced through CorrectDeviceID.
type State struct {
	sharedSecret   []byte
	identitySecret []byte
	deviceID       string
}

func NewState(sharedSecret string, identitySecret string, deviceID string) (*State, error) {
	sharedKey, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return nil, eris.Wrap(err, "error decoding shared secret")
	}

	identityKey, err := base64.StdEncoding.DecodeString(identitySecret)
	if err != nil {
		return nil, eris.Wrap(err, "error decoding identity secret")
	}

	if deviceID != "" && !IsValidDeviceID(deviceID) {
		return nil, eris.Wrapf(ErrInvalidDeviceID, "%q", deviceID)
	}

	return &State{
		sharedSecret:   sharedKey,
		identitySecret: identityKey,
		deviceID:       deviceID,
	}, nil
}

func (s *State) DeviceID() string {
	return s.deviceID
}

// CorrectDeviceID replaces the stored device id. The replacement must pass
// IsValidDeviceID; the stored value is left untouched otherwise.
func (s *State) CorrectDeviceID(deviceID string) error {
	if !IsValidDeviceID(deviceID) {
		return eris.Wrapf(ErrInvalidDeviceID, "%q", deviceID)
	}
	s.deviceID = deviceID
	return nil
}

// GenerateAuthCode derives the five character login code for the given Steam
// time. Codes are stable within a CodePeriod window.
func (s *State) GenerateAuthCode(steamTime uint32) (string, error) {
	if steamTime == 0 {
		return "", ErrZeroTime
	}

	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, uint64(steamTime)/CodePeriod)

	mac := hmac.New(sha1.New, s.sharedSecret)
	mac.Write(counter)
	sum := mac.Sum(nil)

	start := sum[19] & 0x0F
	fullCode := binary.BigEndian.Uint32(sum[start:start+4]) & 0x7FFFFFFF

	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeChars[fullCode%uint32(len(codeChars))]
		fullCode /= uint32(len(codeChars))
	}

	return string(code), nil
}

// GenerateConfirmationKey signs a confirmation request: base64 of
// HMAC-SHA1(identitySecret, bigendian64(time) || tag). Tags longer than 32
// bytes are truncated, matching the mobile app.
func (s *State) GenerateConfirmationKey(steamTime uint32, tag string) (string, error) {
	if steamTime == 0 {
		return "", ErrZeroTime
	}

	tagBytes := []byte(tag)
	if len(tagBytes) > 32 {
		tagBytes = tagBytes[:32]
	}

	buffer := make([]byte, 8+len(tagBytes))
	binary.BigEndian.PutUint64(buffer, uint64(steamTime))
	copy(buffer[8:], tagBytes)

	mac := hmac.New(sha1.New, s.identitySecret)
	mac.Write(buffer)

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// IsValidDeviceID reports whether deviceID looks like an identifier the
// mobile app would present: an optional "<tag>:" prefix followed by a
// non-empty run of hex digits, dashes allowed.
func IsValidDeviceID(deviceID string) bool {
	if colon := strings.IndexByte(deviceID, ':'); colon >= 0 {
		deviceID = deviceID[colon+1:]
	}

	deviceID = strings.ReplaceAll(deviceID, "-", "")
	if deviceID == "" {
		return false
	}

	for _, r := range deviceID {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}

// NewDeviceID generates a fresh identifier in the form the official app
// registers: "android:" followed by a random UUID.
func NewDeviceID() string {
	return deviceIDPrefix + uuid.NewString()
}

// DeviceIDForSteamID derives a stable identifier from a SteamID64 string,
// rendered as a UUID-shaped slice of the id's SHA-1.
func DeviceIDForSteamID(steamID string) string {
	sum := sha1.Sum([]byte(steamID))
	h := hex.EncodeToString(sum[:16])
	return deviceIDPrefix + strings.Join([]string{h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]}, "-")
}
