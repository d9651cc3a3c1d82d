// Package model contains domain models passed between layers.
package model

import (
	"math"
	"time"
)

// Embedding is a fixed-length face descriptor produced by one extractor version.
type Embedding struct {
	Values []float32 `json:"values"`
	Model  string    `json:"model"`
}

// Dim returns the vector length.
func (e Embedding) Dim() int { return len(e.Values) }

// Valid reports whether the vector is non-empty, finite and not all zeros.
func (e Embedding) Valid() bool {
	if len(e.Values) == 0 {
		return false
	}
	var sum float64
	for _, v := range e.Values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		sum += f * f
	}
	return sum > 0
}

// Compatible reports whether two embeddings can be compared.
func (e Embedding) Compatible(o Embedding) bool {
	return e.Model == o.Model && len(e.Values) == len(o.Values)
}

// Normalized returns an L2-normalized copy. Invalid vectors are returned as-is.
func (e Embedding) Normalized() Embedding {
	var sum float64
	for _, v := range e.Values {
		sum += float64(v) * float64(v)
	}
	out := Embedding{Model: e.Model, Values: make([]float32, len(e.Values))}
	if sum == 0 {
		copy(out.Values, e.Values)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range e.Values {
		out.Values[i] = float32(float64(v) * inv)
	}
	return out
}

// EnrolledIdentity is a person known to the gallery.
type EnrolledIdentity struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Embeddings  []Embedding       `json:"embeddings,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EnrolledAt  time.Time         `json:"enrolled_at"`
}

// Clone returns a deep copy so snapshots never share mutable slices.
func (i EnrolledIdentity) Clone() EnrolledIdentity {
	out := i
	out.Embeddings = make([]Embedding, len(i.Embeddings))
	for k, e := range i.Embeddings {
		out.Embeddings[k] = Embedding{Model: e.Model, Values: append([]float32(nil), e.Values...)}
	}
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
