package adapter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/apdu"
	"github.com/yolodolo42/hwsign/internal/derivation"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

const (
	typedP2Hashed = 0x00
	typedP2Full   = 0x01

	structDefP2Name  = 0x00
	structDefP2Field = 0xff

	structImplP2Root  = 0x00
	structImplP2Array = 0x0f
	structImplP2Field = 0xff

	structImplP1Complete = 0x00
	structImplP1Partial  = 0x01

	domainType = "EIP712Domain"
)

// Field type descriptors understood by the app.
const (
	fieldCustom = iota
	fieldInt
	fieldUint
	fieldAddress
	fieldBool
	fieldString
	fieldFixedBytes
	fieldDynamicBytes

	fieldIsArray = 0x80
	fieldHasSize = 0x40
)

// errTypedEncoding marks documents the app cannot render field by field.
var errTypedEncoding = errors.New("typed data cannot be streamed to the device")

// signTypedData first streams the whole document so the device can render
// every field. If the device rejects that instruction it falls back, once,
// to signing the domain and message hashes computed here. A user rejection
// never triggers the fallback.
func (e *Ethereum) signTypedData(ctx context.Context, h device.Handle, p signing.TypedData) (signing.Signature, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(p.JSON, &td); err != nil {
		return signing.Signature{}, fmt.Errorf("%w: typed data: %w", signing.ErrProtocol, err)
	}
	if _, ok := td.Types[td.PrimaryType]; !ok {
		return signing.Signature{}, fmt.Errorf("%w: primary type %q is not defined", signing.ErrProtocol, td.PrimaryType)
	}
	ex, err := exchanger(h)
	if err != nil {
		return signing.Signature{}, err
	}

	sig, err := e.signTypedFull(ctx, ex, td)
	if err == nil {
		return sig, nil
	}
	if !typedFallbackAllowed(err) {
		return signing.Signature{}, deviceError("sign typed data", err)
	}
	e.log.Info("device rejected structured typed data, signing hashes instead", zap.Error(err))

	domainHash, err := td.HashStruct(domainType, td.Domain.Map())
	if err != nil {
		return signing.Signature{}, fmt.Errorf("%w: domain hash: %w", signing.ErrProtocol, err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return signing.Signature{}, fmt.Errorf("%w: message hash: %w", signing.ErrProtocol, err)
	}

	data := derivation.EncodeEthereumPath(e.path)
	data = append(data, domainHash...)
	data = append(data, messageHash...)
	reply, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: ethCLA, INS: ethInsSignTyped, P2: typedP2Hashed, Data: data})
	if err != nil {
		return signing.Signature{}, deviceError("sign typed data hash", err)
	}
	return signatureFromVRS(reply)
}

func typedFallbackAllowed(err error) bool {
	if apdu.IsRejection(err) {
		return false
	}
	if errors.Is(err, errTypedEncoding) {
		return true
	}
	_, ok := apdu.StatusCode(err)
	return ok
}

func (e *Ethereum) signTypedFull(ctx context.Context, ex apdu.Exchanger, td apitypes.TypedData) (signing.Signature, error) {
	send := func(ins, p1, p2 byte, data []byte) error {
		_, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: ethCLA, INS: ins, P1: p1, P2: p2, Data: data})
		return err
	}

	names := make([]string, 0, len(td.Types))
	for name := range td.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := send(ethInsStructDef, 0, structDefP2Name, []byte(name)); err != nil {
			return signing.Signature{}, err
		}
		for _, field := range td.Types[name] {
			def, err := encodeFieldDef(field, td.Types)
			if err != nil {
				return signing.Signature{}, err
			}
			if err := send(ethInsStructDef, 0, structDefP2Field, def); err != nil {
				return signing.Signature{}, err
			}
		}
	}

	impl := structStreamer{types: td.Types, send: send}
	if err := impl.root(domainType, td.Domain.Map()); err != nil {
		return signing.Signature{}, err
	}
	if err := impl.root(td.PrimaryType, td.Message); err != nil {
		return signing.Signature{}, err
	}

	reply, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: ethCLA, INS: ethInsSignTyped, P2: typedP2Full, Data: derivation.EncodeEthereumPath(e.path)})
	if err != nil {
		return signing.Signature{}, err
	}
	return signatureFromVRS(reply)
}

// splitType separates "uint256[2][]" into "uint256" and its array levels,
// innermost first; -1 marks a dynamic level.
func splitType(typ string) (string, []int, error) {
	base := typ
	var levels []int
	for strings.HasSuffix(base, "]") {
		open := strings.LastIndex(base, "[")
		if open < 0 {
			return "", nil, fmt.Errorf("%w: malformed type %q", errTypedEncoding, typ)
		}
		size := -1
		if inner := base[open+1 : len(base)-1]; inner != "" {
			n, err := strconv.Atoi(inner)
			if err != nil || n < 0 || n > 255 {
				return "", nil, fmt.Errorf("%w: malformed array size in %q", errTypedEncoding, typ)
			}
			size = n
		}
		levels = append([]int{size}, levels...)
		base = base[:open]
	}
	return base, levels, nil
}

// atomicType returns the descriptor and byte size of a non-struct type.
func atomicType(base string) (byte, int, error) {
	switch {
	case base == "address":
		return fieldAddress, 0, nil
	case base == "bool":
		return fieldBool, 0, nil
	case base == "string":
		return fieldString, 0, nil
	case base == "bytes":
		return fieldDynamicBytes, 0, nil
	case strings.HasPrefix(base, "bytes"):
		n, err := strconv.Atoi(strings.TrimPrefix(base, "bytes"))
		if err != nil || n < 1 || n > 32 {
			return 0, 0, fmt.Errorf("%w: type %q", errTypedEncoding, base)
		}
		return fieldFixedBytes, n, nil
	case strings.HasPrefix(base, "uint"), strings.HasPrefix(base, "int"):
		desc := byte(fieldInt)
		bits := strings.TrimPrefix(base, "int")
		if strings.HasPrefix(base, "uint") {
			desc = fieldUint
			bits = strings.TrimPrefix(base, "uint")
		}
		n := 256
		if bits != "" {
			var err error
			if n, err = strconv.Atoi(bits); err != nil || n%8 != 0 || n < 8 || n > 256 {
				return 0, 0, fmt.Errorf("%w: type %q", errTypedEncoding, base)
			}
		}
		return desc, n / 8, nil
	}
	return 0, 0, fmt.Errorf("%w: type %q", errTypedEncoding, base)
}

func encodeFieldDef(field apitypes.Type, types apitypes.Types) ([]byte, error) {
	base, levels, err := splitType(field.Type)
	if err != nil {
		return nil, err
	}

	var desc byte
	size := 0
	if _, custom := types[base]; custom {
		desc = fieldCustom
	} else if desc, size, err = atomicType(base); err != nil {
		return nil, err
	}
	if len(levels) > 0 {
		desc |= fieldIsArray
	}
	if size > 0 {
		desc |= fieldHasSize
	}

	out := []byte{desc}
	if desc&0x0f == fieldCustom {
		out = append(out, byte(len(base)))
		out = append(out, base...)
	}
	if size > 0 {
		out = append(out, byte(size))
	}
	if len(levels) > 0 {
		out = append(out, byte(len(levels)))
		for _, l := range levels {
			if l < 0 {
				out = append(out, 0x00)
			} else {
				out = append(out, 0x01, byte(l))
			}
		}
	}
	out = append(out, byte(len(field.Name)))
	return append(out, field.Name...), nil
}

type structStreamer struct {
	types apitypes.Types
	send  func(ins, p1, p2 byte, data []byte) error
}

func (s structStreamer) root(name string, data map[string]interface{}) error {
	if err := s.send(ethInsStructImpl, structImplP1Complete, structImplP2Root, []byte(name)); err != nil {
		return err
	}
	return s.fields(name, data)
}

func (s structStreamer) fields(name string, data map[string]interface{}) error {
	for _, field := range s.types[name] {
		value, ok := data[field.Name]
		if !ok {
			return fmt.Errorf("%w: %s.%s is missing", errTypedEncoding, name, field.Name)
		}
		if err := s.value(field.Type, value); err != nil {
			return err
		}
	}
	return nil
}

func (s structStreamer) value(typ string, v interface{}) error {
	if strings.HasSuffix(typ, "]") {
		items, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("%w: %s value is not an array", errTypedEncoding, typ)
		}
		if len(items) > 255 {
			return fmt.Errorf("%w: array of %d items", errTypedEncoding, len(items))
		}
		if err := s.send(ethInsStructImpl, structImplP1Complete, structImplP2Array, []byte{byte(len(items))}); err != nil {
			return err
		}
		inner := typ[:strings.LastIndex(typ, "[")]
		for _, item := range items {
			if err := s.value(inner, item); err != nil {
				return err
			}
		}
		return nil
	}

	if _, custom := s.types[typ]; custom {
		m, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s value is not an object", errTypedEncoding, typ)
		}
		return s.fields(typ, m)
	}

	raw, err := encodeAtomic(typ, v)
	if err != nil {
		return err
	}
	data := binary.BigEndian.AppendUint16(nil, uint16(len(raw)))
	data = append(data, raw...)
	chunks := split(data, ethChunk)
	for i, chunk := range chunks {
		p1 := byte(structImplP1Partial)
		if i == len(chunks)-1 {
			p1 = structImplP1Complete
		}
		if err := s.send(ethInsStructImpl, p1, structImplP2Field, chunk); err != nil {
			return err
		}
	}
	return nil
}

func encodeAtomic(typ string, v interface{}) ([]byte, error) {
	desc, size, err := atomicType(typ)
	if err != nil {
		return nil, err
	}
	switch desc {
	case fieldAddress:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%w: invalid address %v", errTypedEncoding, v)
		}
		return common.HexToAddress(s).Bytes(), nil
	case fieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: invalid bool %v", errTypedEncoding, v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case fieldString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: invalid string %v", errTypedEncoding, v)
		}
		return []byte(s), nil
	case fieldFixedBytes, fieldDynamicBytes:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: invalid bytes %v", errTypedEncoding, v)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid bytes %q", errTypedEncoding, s)
		}
		return b, nil
	}

	n, err := parseInteger(v)
	if err != nil {
		return nil, err
	}
	if desc == fieldUint {
		if n.Sign() < 0 || n.BitLen() > size*8 {
			return nil, fmt.Errorf("%w: %v out of range for %s", errTypedEncoding, v, typ)
		}
		if n.Sign() == 0 {
			return []byte{0}, nil
		}
		return n.Bytes(), nil
	}
	// int<N> holds -2^(N-1) through 2^(N-1)-1.
	limit := new(big.Int).Lsh(big.NewInt(1), uint(size*8-1))
	if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
		return nil, fmt.Errorf("%w: %v out of range for %s", errTypedEncoding, v, typ)
	}
	return math.PaddedBigBytes(math.U256(new(big.Int).Set(n)), 32)[32-size:], nil
}

func parseInteger(v interface{}) (*big.Int, error) {
	switch x := v.(type) {
	case *math.HexOrDecimal256:
		if x == nil {
			return nil, fmt.Errorf("%w: nil integer", errTypedEncoding)
		}
		return new(big.Int).Set((*big.Int)(x)), nil
	case *big.Int:
		if x == nil {
			return nil, fmt.Errorf("%w: nil integer", errTypedEncoding)
		}
		return new(big.Int).Set(x), nil
	case float64:
		if x != float64(int64(x)) {
			return nil, fmt.Errorf("%w: %v is not an integer", errTypedEncoding, x)
		}
		return big.NewInt(int64(x)), nil
	case json.Number:
		return parseIntegerString(string(x))
	case string:
		return parseIntegerString(x)
	}
	return nil, fmt.Errorf("%w: invalid integer %v", errTypedEncoding, v)
}

func parseIntegerString(s string) (*big.Int, error) {
	neg := strings.HasPrefix(s, "-")
	n, ok := math.ParseBig256(strings.TrimPrefix(s, "-"))
	if !ok {
		return nil, fmt.Errorf("%w: invalid integer %q", errTypedEncoding, s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}
