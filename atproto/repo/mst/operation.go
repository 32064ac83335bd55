package mst

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
)

var ErrInvalidOperation = errors.New("invalid MST operation")

// A single key change, carrying both the new and the previous value. Having both makes the operation invertible.
type Operation struct {
	Path string
	// nil for deletions
	Value *cid.Cid
	// nil for creations
	Prev *cid.Cid
}

func (op *Operation) IsCreate() bool {
	return op.Value != nil && op.Prev == nil
}

func (op *Operation) IsUpdate() bool {
	return op.Value != nil && op.Prev != nil && *op.Value != *op.Prev
}

func (op *Operation) IsDelete() bool {
	return op.Value == nil && op.Prev != nil
}

// Mutates the tree (a nil value means deletion), returning the new tree and a full [Operation].
func ApplyOp(ctx context.Context, t *Tree, path string, val *cid.Cid) (*Tree, *Operation, error) {
	if val != nil {
		nt, prev, err := t.Put(ctx, []byte(path), *val)
		if err != nil {
			return nil, nil, err
		}
		return nt, &Operation{Path: path, Value: val, Prev: prev}, nil
	}
	nt, prev, err := t.Delete(ctx, []byte(path))
	if err != nil {
		return nil, nil, err
	}
	return nt, &Operation{Path: path, Prev: &prev}, nil
}

// Simple "forwards" (not inversion) check that the tree reflects the result of the operation.
func CheckOp(ctx context.Context, t *Tree, op *Operation) error {
	val, err := t.Get(ctx, []byte(op.Path))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	found := err == nil
	switch {
	case op.IsCreate() || op.IsUpdate():
		if !found || val != *op.Value {
			return fmt.Errorf("%w: tree value did not match op: %s", ErrInvalidOperation, op.Path)
		}
		return nil
	case op.IsDelete():
		if found {
			return fmt.Errorf("%w: key still in tree after deletion op: %s", ErrInvalidOperation, op.Path)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidOperation, op.Path)
}

// Applies the reverse of the operation to the tree.
func InvertOp(ctx context.Context, t *Tree, op *Operation) (*Tree, error) {
	switch {
	case op.IsCreate():
		nt, prev, err := t.Delete(ctx, []byte(op.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to invert creation of %s: %w", op.Path, err)
		}
		if prev != *op.Value {
			return nil, fmt.Errorf("%w: failed to invert creation of %s", ErrInvalidOperation, op.Path)
		}
		return nt, nil
	case op.IsUpdate():
		nt, prev, err := t.Update(ctx, []byte(op.Path), *op.Prev)
		if err != nil {
			return nil, fmt.Errorf("failed to invert update of %s: %w", op.Path, err)
		}
		if prev != *op.Value {
			return nil, fmt.Errorf("%w: failed to invert update of %s", ErrInvalidOperation, op.Path)
		}
		return nt, nil
	case op.IsDelete():
		nt, err := t.Insert(ctx, []byte(op.Path), *op.Prev)
		if err != nil {
			return nil, fmt.Errorf("failed to invert deletion of %s: %w", op.Path, err)
		}
		return nt, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, op.Path)
}

// Sorts operations in to the order used for inversion (deletions first, then by path), and checks that no path appears twice and that every operation is well-formed.
func NormalizeOps(ops []Operation) ([]Operation, error) {
	seen := make(map[string]bool, len(ops))
	out := make([]Operation, len(ops))
	for i, op := range ops {
		if !op.IsCreate() && !op.IsUpdate() && !op.IsDelete() {
			return nil, fmt.Errorf("%w: no-op or empty operation: %s", ErrInvalidOperation, op.Path)
		}
		if !IsValidKey([]byte(op.Path)) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKey, op.Path)
		}
		if seen[op.Path] {
			return nil, fmt.Errorf("%w: duplicate path: %s", ErrInvalidOperation, op.Path)
		}
		seen[op.Path] = true
		out[i] = op
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDelete() != out[j].IsDelete() {
			return out[i].IsDelete()
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
