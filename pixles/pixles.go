package pixles

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand"

	"github.com/oklog/ulid/v2"
)

// default dimension of the shared canvas (N x N)
const DefaultGridSize = 1000

// display colors assigned uniform-random to new sessions
var DisplayColors = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFE66D",
	"#FF9F43",
	"#9B59B6",
	"#FF9FF3",
	"#2ECC71",
	"#3498DB",
	"#E74C3C",
}

func RandomDisplayColor() string {
	return DisplayColors[mathrand.Intn(len(DisplayColors))]
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
type CellPos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// cosmetic rendering hint attached to a cell write
type CellEffect struct {
	Glow  bool `json:"glow,omitempty"`
	Owner *Id  `json:"owner,omitempty"`
}

type ToolKind string

const (
	ToolBrush     ToolKind = "brush"
	ToolLine      ToolKind = "line"
	ToolRectangle ToolKind = "rectangle"
	ToolCircle    ToolKind = "circle"
	ToolBomb      ToolKind = "bomb"
)

func (self ToolKind) Valid() bool {
	switch self {
	case ToolBrush, ToolLine, ToolRectangle, ToolCircle, ToolBomb:
		return true
	}
	return false
}

type CosmeticKind string

const (
	CosmeticGlow         CosmeticKind = "glow"
	CosmeticVip          CosmeticKind = "vip"
	CosmeticCustomCursor CosmeticKind = "custom-cursor"
)

func (self CosmeticKind) Valid() bool {
	switch self {
	case CosmeticGlow, CosmeticVip, CosmeticCustomCursor:
		return true
	}
	return false
}

type AbilityKind string

const (
	AbilityBomb AbilityKind = "bomb"
	AbilityWipe AbilityKind = "wipe"
)

// sizes a bomb charge can be purchased in
var BombSizes = []int{5, 10}

func ValidBombSize(size int) bool {
	for _, bombSize := range BombSizes {
		if size == bombSize {
			return true
		}
	}
	return false
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}
