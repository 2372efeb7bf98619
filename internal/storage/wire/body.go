package wire

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Field numbers. Bodies follow the protobuf wire format so that the layout
// can be described by a .proto file and read by other tooling.
//
//	message Transaction {
//	  bytes id = 1;
//	  uint64 base_version = 2;
//	  repeated Write writes = 3;
//	  repeated Precondition preconditions = 4;
//	}
//	message Write { bytes key = 1; uint64 subkey = 2; bytes value = 3; bool delete = 4; }
//	message Precondition {
//	  uint32 kind = 1; bytes key = 2; uint64 subkey = 3; uint64 count = 4;
//	  uint64 version = 5; bool absent_at_base = 6;
//	}
//	message Snapshot { uint64 version = 1; repeated KeyEntry keys = 2; }
//	message KeyEntry { bytes key = 1; uint64 version = 2; repeated SubkeyEntry subkeys = 3; }
//	message SubkeyEntry { uint64 subkey = 1; uint64 version = 2; bytes value = 3; }
const (
	txID            protowire.Number = 1
	txBaseVersion   protowire.Number = 2
	txWrites        protowire.Number = 3
	txPreconditions protowire.Number = 4

	writeKey    protowire.Number = 1
	writeSubkey protowire.Number = 2
	writeValue  protowire.Number = 3
	writeDelete protowire.Number = 4

	preKind         protowire.Number = 1
	preKey          protowire.Number = 2
	preSubkey       protowire.Number = 3
	preCount        protowire.Number = 4
	preVersion      protowire.Number = 5
	preAbsentAtBase protowire.Number = 6

	snapVersion protowire.Number = 1
	snapKeys    protowire.Number = 2

	keyKey     protowire.Number = 1
	keyVersion protowire.Number = 2
	keySubkeys protowire.Number = 3

	subSubkey  protowire.Number = 1
	subVersion protowire.Number = 2
	subValue   protowire.Number = 3
)

func reservedVersion(what string, v domain.Version) error {
	return domain.ErrMalformedTransaction.WithDetails(
		fmt.Sprintf("%s version %#x is reserved", what, uint64(v)))
}

func appendTransaction(b []byte, tx *txn.Transaction) ([]byte, error) {
	if !tx.BaseVersion().Valid() {
		return nil, reservedVersion("base", tx.BaseVersion())
	}

	id := tx.ID()
	b = protowire.AppendTag(b, txID, protowire.BytesType)
	b = protowire.AppendBytes(b, id[:])
	b = protowire.AppendTag(b, txBaseVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.BaseVersion()))

	var msg []byte
	for _, w := range tx.Writes() {
		msg = msg[:0]
		msg = protowire.AppendTag(msg, writeKey, protowire.BytesType)
		msg = protowire.AppendString(msg, w.Key.String())
		msg = protowire.AppendTag(msg, writeSubkey, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(w.Subkey))
		if w.Delete {
			msg = protowire.AppendTag(msg, writeDelete, protowire.VarintType)
			msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
		} else {
			msg = protowire.AppendTag(msg, writeValue, protowire.BytesType)
			msg = protowire.AppendString(msg, w.Value.String())
		}
		b = protowire.AppendTag(b, txWrites, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	for _, p := range tx.Preconditions() {
		msg = msg[:0]
		msg = protowire.AppendTag(msg, preKind, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(p.Kind))
		msg = protowire.AppendTag(msg, preKey, protowire.BytesType)
		msg = protowire.AppendString(msg, p.Key.String())
		if p.Subkey != 0 {
			msg = protowire.AppendTag(msg, preSubkey, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(p.Subkey))
		}
		if p.Count != 0 {
			msg = protowire.AppendTag(msg, preCount, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(p.Count))
		}

		absentAtBase := (p.Kind == txn.KindUnchanged || p.Kind == txn.KindSubkeyUnchanged) &&
			p.Version == domain.InvalidVersion
		switch {
		case absentAtBase:
			msg = protowire.AppendTag(msg, preAbsentAtBase, protowire.VarintType)
			msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
		case !p.Version.Valid():
			return nil, reservedVersion("precondition", p.Version)
		default:
			msg = protowire.AppendTag(msg, preVersion, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(p.Version))
		}
		b = protowire.AppendTag(b, txPreconditions, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b, nil
}

func appendSnapshot(b []byte, snap *snapshot.Snapshot) ([]byte, error) {
	if !snap.Version().Valid() {
		return nil, reservedVersion("snapshot", snap.Version())
	}
	b = protowire.AppendTag(b, snapVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.Version()))

	var entry, sub []byte
	snap.Ascend(func(ks snapshot.KeySnapshot) bool {
		entry = entry[:0]
		entry = protowire.AppendTag(entry, keyKey, protowire.BytesType)
		entry = protowire.AppendString(entry, ks.Key().String())
		entry = protowire.AppendTag(entry, keyVersion, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(ks.Version()))
		ks.AscendEntries(func(s domain.Subkey, v domain.Value, ver domain.Version) bool {
			sub = sub[:0]
			sub = protowire.AppendTag(sub, subSubkey, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(s))
			sub = protowire.AppendTag(sub, subVersion, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(ver))
			sub = protowire.AppendTag(sub, subValue, protowire.BytesType)
			sub = protowire.AppendString(sub, v.String())
			entry = protowire.AppendTag(entry, keySubkeys, protowire.BytesType)
			entry = protowire.AppendBytes(entry, sub)
			return true
		})
		b = protowire.AppendTag(b, snapKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
		return true
	})
	return b, nil
}

// fieldFunc handles one field of a message. It returns the number of bytes
// consumed from b, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// consumeMessage walks every field of b, skipping unknown ones.
func consumeMessage(b []byte, what string, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt(what, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return corrupt(what, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func corrupt(what string, err error) error {
	return domain.ErrCorruptedFrame.WithCause(err).WithDetails(what)
}

func varint(typ protowire.Type, b []byte, out *uint64) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	*out = v
	return n
}

func bytesField(typ protowire.Type, b []byte, out *[]byte) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	*out = v
	return n
}

func version(raw uint64, what string) (domain.Version, error) {
	v := domain.Version(raw)
	if !v.Valid() {
		return 0, domain.ErrCorruptedFrame.WithDetails(
			fmt.Sprintf("%s version %#x is reserved", what, raw))
	}
	return v, nil
}

func consumeTransaction(b []byte) (*txn.Transaction, error) {
	var (
		id            ulid.ULID
		haveID        bool
		base          uint64
		writes        []snapshot.Write
		preconditions []txn.Precondition
	)

	err := consumeMessage(b, "transaction", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var raw []byte
		switch num {
		case txID:
			n := bytesField(typ, b, &raw)
			if n >= 0 {
				if len(raw) != len(id) {
					return 0, domain.ErrCorruptedFrame.WithDetails("transaction id must be 16 bytes")
				}
				copy(id[:], raw)
				haveID = true
			}
			return n, nil
		case txBaseVersion:
			return varint(typ, b, &base), nil
		case txWrites:
			n := bytesField(typ, b, &raw)
			if n >= 0 {
				w, err := consumeWrite(raw)
				if err != nil {
					return 0, err
				}
				writes = append(writes, w)
			}
			return n, nil
		case txPreconditions:
			n := bytesField(typ, b, &raw)
			if n >= 0 {
				p, err := consumePrecondition(raw)
				if err != nil {
					return 0, err
				}
				preconditions = append(preconditions, p)
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !haveID {
		return nil, domain.ErrCorruptedFrame.WithDetails("transaction without id")
	}
	baseVersion, err := version(base, "base")
	if err != nil {
		return nil, err
	}

	tx, err := txn.Assemble(id, baseVersion, writes, preconditions)
	if err != nil {
		return nil, corrupt("transaction", err)
	}
	return tx, nil
}

func consumeWrite(b []byte) (snapshot.Write, error) {
	var (
		w       snapshot.Write
		key     []byte
		haveKey bool
		subkey  uint64
		del    uint64
		value  []byte
	)
	err := consumeMessage(b, "write", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case writeKey:
			haveKey = true
			return bytesField(typ, b, &key), nil
		case writeSubkey:
			return varint(typ, b, &subkey), nil
		case writeValue:
			return bytesField(typ, b, &value), nil
		case writeDelete:
			return varint(typ, b, &del), nil
		}
		return 0, nil
	})
	if err != nil {
		return w, err
	}
	if !haveKey {
		return w, domain.ErrCorruptedFrame.WithDetails("write without key")
	}
	w.Key = domain.Intern(key)
	w.Subkey = domain.Subkey(subkey)
	w.Delete = protowire.DecodeBool(del)
	if !w.Delete {
		w.Value = domain.NewValue(value)
	}
	return w, nil
}

func consumePrecondition(b []byte) (txn.Precondition, error) {
	var (
		p            txn.Precondition
		kind         uint64
		key          []byte
		haveKey      bool
		subkey       uint64
		count        uint64
		ver          uint64
		absentAtBase uint64
	)
	err := consumeMessage(b, "precondition", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case preKind:
			return varint(typ, b, &kind), nil
		case preKey:
			haveKey = true
			return bytesField(typ, b, &key), nil
		case preSubkey:
			return varint(typ, b, &subkey), nil
		case preCount:
			return varint(typ, b, &count), nil
		case preVersion:
			return varint(typ, b, &ver), nil
		case preAbsentAtBase:
			return varint(typ, b, &absentAtBase), nil
		}
		return 0, nil
	})
	if err != nil {
		return p, err
	}
	if !haveKey {
		return p, domain.ErrCorruptedFrame.WithDetails("precondition without key")
	}
	if kind > 0xFF || count > uint64(^uint(0)>>1) {
		return p, domain.ErrCorruptedFrame.WithDetails("precondition field out of range")
	}

	p.Kind = txn.Kind(kind)
	p.Key = domain.Intern(key)
	p.Subkey = domain.Subkey(subkey)
	p.Count = int(count)
	if protowire.DecodeBool(absentAtBase) {
		p.Version = domain.InvalidVersion
		return p, nil
	}
	if p.Version, err = version(ver, "precondition"); err != nil {
		return p, err
	}
	return p, nil
}

func consumeSnapshot(b []byte) (*snapshot.Snapshot, error) {
	var (
		snapVer uint64
		entries [][]byte
	)
	err := consumeMessage(b, "snapshot", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case snapVersion:
			return varint(typ, b, &snapVer), nil
		case snapKeys:
			var raw []byte
			n := bytesField(typ, b, &raw)
			if n >= 0 {
				entries = append(entries, raw)
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	v, err := version(snapVer, "snapshot")
	if err != nil {
		return nil, err
	}

	builder := snapshot.NewBuilder(v)
	for _, raw := range entries {
		if err := consumeKeyEntry(raw, builder); err != nil {
			return nil, err
		}
	}
	snap, err := builder.Snapshot()
	if err != nil {
		return nil, corrupt("snapshot", err)
	}
	return snap, nil
}

func consumeKeyEntry(b []byte, builder *snapshot.Builder) error {
	var (
		key     []byte
		haveKey bool
		keyVer  uint64
		subkeys [][]byte
	)
	err := consumeMessage(b, "key entry", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case keyKey:
			haveKey = true
			return bytesField(typ, b, &key), nil
		case keyVersion:
			return varint(typ, b, &keyVer), nil
		case keySubkeys:
			var raw []byte
			n := bytesField(typ, b, &raw)
			if n >= 0 {
				subkeys = append(subkeys, raw)
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !haveKey || len(subkeys) == 0 {
		return domain.ErrCorruptedFrame.WithDetails("key entry without key or subkeys")
	}
	kv, err := version(keyVer, "key")
	if err != nil {
		return err
	}
	k := domain.Intern(key)

	for _, raw := range subkeys {
		var (
			subkey, subVer uint64
			value          []byte
		)
		err := consumeMessage(raw, "subkey entry", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case subSubkey:
				return varint(typ, b, &subkey), nil
			case subVersion:
				return varint(typ, b, &subVer), nil
			case subValue:
				return bytesField(typ, b, &value), nil
			}
			return 0, nil
		})
		if err != nil {
			return err
		}
		sv, err := version(subVer, "subkey")
		if err != nil {
			return err
		}
		builder.Put(k, kv, domain.Subkey(subkey), sv, domain.NewValue(value))
	}
	return nil
}
