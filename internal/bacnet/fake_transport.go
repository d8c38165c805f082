package bacnet

import "context"

// FakeTransport is an in-memory Transport for tests: a fixed table of
// responses keyed by PointRef, plus an optional per-call delay to
// exercise timeout handling.
type FakeTransport struct {
	Responses map[PointRef]ReadResult
	Delay     func(ctx context.Context)
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Responses: map[PointRef]ReadResult{}}
}

func (f *FakeTransport) ReadPoints(ctx context.Context, refs []PointRef) []ReadResult {
	if f.Delay != nil {
		f.Delay(ctx)
	}
	out := make([]ReadResult, len(refs))
	for i, ref := range refs {
		if r, ok := f.Responses[ref]; ok {
			r.PointRef = ref
			out[i] = r
			continue
		}
		out[i] = ReadResult{PointRef: ref, Err: errNoFakeResponse(ref)}
	}
	return out
}

type noFakeResponseError struct{ ref PointRef }

func (e *noFakeResponseError) Error() string { return "bacnet: no fake response configured" }

func errNoFakeResponse(ref PointRef) error { return &noFakeResponseError{ref: ref} }
