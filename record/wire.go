package record

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the KLog protobuf schema:
//
//	message Log      { int64 time = 1; repeated Content contents = 2; }
//	message Content  { string key = 1; string value = 2; }
//	message LogGroup { repeated Log logs = 1; }
const (
	logTimeField     protowire.Number = 1
	logContentsField protowire.Number = 2
	contentKeyField  protowire.Number = 1
	contentValField  protowire.Number = 2
	groupLogsField   protowire.Number = 1
)

func (c Content) size() int {
	n := 0
	if c.Key != "" {
		n += protowire.SizeTag(contentKeyField) + protowire.SizeBytes(len(c.Key))
	}
	if c.Value != "" {
		n += protowire.SizeTag(contentValField) + protowire.SizeBytes(len(c.Value))
	}
	return n
}

// Size returns the encoded size of l as a standalone message.
func (l *Log) Size() int {
	n := 0
	if l.Time != 0 {
		n += protowire.SizeTag(logTimeField) + protowire.SizeVarint(uint64(l.Time))
	}
	for _, c := range l.Contents {
		n += protowire.SizeTag(logContentsField) + protowire.SizeBytes(c.size())
	}
	return n
}

// FramedSize returns the encoded size of l including the LogGroup field
// tag and length prefix that wrap it inside a group.
func (l *Log) FramedSize() int {
	return protowire.SizeTag(groupLogsField) + protowire.SizeBytes(l.Size())
}

// AppendWire appends the protobuf encoding of l to b.
func (l *Log) AppendWire(b []byte) []byte {
	if l.Time != 0 {
		b = protowire.AppendTag(b, logTimeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.Time))
	}
	for _, c := range l.Contents {
		b = protowire.AppendTag(b, logContentsField, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(c.size()))
		if c.Key != "" {
			b = protowire.AppendTag(b, contentKeyField, protowire.BytesType)
			b = protowire.AppendString(b, c.Key)
		}
		if c.Value != "" {
			b = protowire.AppendTag(b, contentValField, protowire.BytesType)
			b = protowire.AppendString(b, c.Value)
		}
	}
	return b
}

// Marshal encodes g as a LogGroup message.
func (g *Group) Marshal() []byte {
	b := make([]byte, 0, g.size)
	for _, l := range g.Logs {
		b = protowire.AppendTag(b, groupLogsField, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(l.Size()))
		b = l.AppendWire(b)
	}
	return b
}

// UnmarshalGroup decodes a LogGroup message. Unknown fields are skipped.
func UnmarshalGroup(b []byte) (*Group, error) {
	g := &Group{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != groupLogsField || typ != protowire.BytesType {
			return nil
		}
		l, err := unmarshalLog(v)
		if err != nil {
			return err
		}
		g.Add(l, l.FramedSize())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode log group: %w", err)
	}
	return g, nil
}

func unmarshalLog(b []byte) (*Log, error) {
	l := &Log{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == logTimeField && typ == protowire.VarintType:
			l.Time = int64(x)
		case num == logContentsField && typ == protowire.BytesType:
			var c Content
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case contentKeyField:
					c.Key = string(v)
				case contentValField:
					c.Value = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			l.Contents = append(l.Contents, c)
		}
		return nil
	})
	return l, err
}

// walk calls fn for every field in b. Length-delimited fields are passed as
// v, varint fields as x; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
