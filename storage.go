package quire

import (
	"context"
	"iter"
)

// ValueType is the storage type of a document tree node.
type ValueType int

const (
	TypeObject ValueType = iota + 1
	TypeArray
	TypeNumber
	TypeBoolean
	TypeString
	TypeDateTime
	TypeBinary
	TypeReference
)

// NodeInfo describes one child of a node. Value is set for scalar children
// and nil for objects and arrays.
type NodeInfo struct {
	Key   string
	Type  ValueType
	Value any
}

// Storage is the document tree an index reads during a build.
//
// Children yields the children of path in key order; an unknown path
// yields nothing. Value returns the node at path. For objects, a non-empty
// include limits the returned map to those child keys. Objects are
// map[string]any, arrays []any, dates time.Time and numbers float64.
type Storage interface {
	Children(ctx context.Context, path string) iter.Seq2[NodeInfo, error]
	Value(ctx context.Context, path string, include []string) (any, error)
}
