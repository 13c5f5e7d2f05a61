// Package scanner is the boundary to the malware scanning engine.
package scanner

import "context"

// Verdict is the raw engine output: the name of the detected signature, or
// empty when nothing was found.
type Verdict string

// Clean reports whether the engine found nothing.
func (v Verdict) Clean() bool {
	return v == ""
}

type Engine interface {
	// Scan inspects data. Errors mean the engine could not be reached or
	// could not scan; they are not verdicts.
	Scan(ctx context.Context, data []byte) (Verdict, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, data []byte) (Verdict, error)

func (f EngineFunc) Scan(ctx context.Context, data []byte) (Verdict, error) {
	return f(ctx, data)
}
