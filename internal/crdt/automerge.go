package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Automerge is the default Factory, backed by automerge-go
type Automerge struct{}

func NewAutomerge() *Automerge {
	return &Automerge{}
}

func (Automerge) New() Document {
	return &automergeDocument{doc: automerge.New()}
}

func (a Automerge) Load(state []byte) (Document, error) {
	if len(state) == 0 {
		return a.New(), nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load automerge state: %w", err)
	}
	return &automergeDocument{doc: doc}, nil
}

type automergeDocument struct {
	doc *automerge.Doc
}

func (d *automergeDocument) Apply(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to merge update: %w", err)
	}
	return nil
}

func (d *automergeDocument) Snapshot() []byte {
	return d.doc.Save()
}

func (d *automergeDocument) Empty() bool {
	return d.doc.RootMap().Len() == 0
}

func (d *automergeDocument) Replace(snapshot []byte) ([]byte, error) {
	src, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	values, err := src.RootMap().Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot content: %w", err)
	}

	// Move the incremental save point so the returned update holds only this change
	d.doc.SaveIncremental()

	root := d.doc.RootMap()
	keys, err := root.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list current content: %w", err)
	}
	for _, key := range keys {
		if err := root.Delete(key); err != nil {
			return nil, fmt.Errorf("failed to clear %q: %w", key, err)
		}
	}
	for key, value := range values {
		if err := copyInto(key, value, root.Set); err != nil {
			return nil, fmt.Errorf("failed to restore %q: %w", key, err)
		}
	}

	if _, err := d.doc.Commit("restore version", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit restore: %w", err)
	}

	return d.doc.SaveIncremental(), nil
}

// copyInto writes a value read from another document through put, keeping its kind.
// Containers are attached empty and then filled, text stays text and counters stay counters.
func copyInto[K any](key K, v *automerge.Value, put func(K, any) error) error {
	switch v.Kind() {
	case automerge.KindMap:
		dst := automerge.NewMap()
		if err := put(key, dst); err != nil {
			return err
		}
		values, err := v.Map().Values()
		if err != nil {
			return err
		}
		for k, child := range values {
			if err := copyInto(k, child, dst.Set); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		return nil

	case automerge.KindList:
		dst := automerge.NewList()
		if err := put(key, dst); err != nil {
			return err
		}
		values, err := v.List().Values()
		if err != nil {
			return err
		}
		for i, child := range values {
			if err := copyInto(i, child, func(_ int, value any) error { return dst.Append(value) }); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil

	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return err
		}
		return put(key, automerge.NewText(s))

	case automerge.KindCounter:
		n, err := v.Counter().Get()
		if err != nil {
			return err
		}
		return put(key, automerge.NewCounter(n))

	case automerge.KindNull, automerge.KindVoid, automerge.KindUnknown:
		return put(key, nil)

	default:
		// scalars carry their Go value
		return put(key, v.Interface())
	}
}
