package steamid

import (
	"errors"
	"strconv"

	"github.com/rotisserie/eris"
)

type Universe uint
type Type uint
type Instance uint

const (
	UniverseInvalid Universe = iota
	UniversePublic
	UniverseBeta
	UniverseInternal
	UniverseDev
)

const (
	TypeInvalid Type = iota
	TypeIndividual
	TypeMultiseat
	TypeGameServer
	TypeAnonGameServer
	TypePending
	TypeContentServer
	TypeClan
	TypeChat
	TypeP2pSuperSeeder
	TypeAnonUser
)

const (
	InstanceAll Instance = iota
	InstanceDesktop
	InstanceConsole
	InstanceWeb
)

const (
	AccountIDMask       uint64 = 0xFFFFFFFF
	AccountInstanceMask uint64 = 0x000FFFFF
	AccountTypeMask     uint64 = 0xF
)

var (
	ErrorEmpty = errors.New("can't parse empty string as SteamID64")
	ErrorZero  = errors.New("SteamID64 must be non-zero")
)

type SteamID struct {
	id64      uint64
	universe  Universe
	idType    Type
	instance  Instance
	accountID uint32
}

// FromUint64 decomposes a raw SteamID64 into its bit fields.
func FromUint64(id uint64) (SteamID, error) {
	if id == 0 {
		return SteamID{}, ErrorZero
	}

	return SteamID{
		id64:      id,
		accountID: uint32(id & AccountIDMask),
		instance:  Instance((id >> 32) & AccountInstanceMask),
		idType:    Type((id >> 52) & AccountTypeMask),
		universe:  Universe(id >> 56),
	}, nil
}

func ParseSteamID64(s string) (SteamID, error) {
	if s == "" {
		return SteamID{}, ErrorEmpty
	}

	parsedID, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return SteamID{}, eris.Wrapf(err, "can't parse %q as SteamID64", s)
	}

	return FromUint64(parsedID)
}

func (id SteamID) Uint64() uint64 {
	return id.id64
}

func (id SteamID) String() string {
	return strconv.FormatUint(id.id64, 10)
}

func (id SteamID) Universe() Universe {
	return id.universe
}

func (id SteamID) AccountId() uint32 {
	return id.accountID
}

func (id SteamID) IsValid() bool {
	switch {
	case id.idType <= TypeInvalid || id.idType > TypeAnonUser:
		return false
	case id.universe <= UniverseInvalid || id.universe > UniverseDev:
		return false
	case id.idType == TypeIndividual && (id.accountID == 0 || id.instance > InstanceWeb):
		return false
	case id.idType == TypeClan && (id.accountID == 0 || id.instance != InstanceAll):
		return false
	case id.idType == TypeGameServer && id.accountID == 0:
		return false
	}

	return true
}

// IsValidIndividual reports whether the id names a regular user account, the
// only kind an authenticator can be attached to.
func (id SteamID) IsValidIndividual() bool {
	return id.universe == UniversePublic &&
		id.idType == TypeIndividual &&
		id.instance == InstanceDesktop &&
		id.accountID != 0
}
