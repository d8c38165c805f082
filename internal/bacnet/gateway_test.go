package bacnet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGatewayReadPoints(t *testing.T) {
	ft := NewFakeTransport()
	ref := PointRef{DeviceID: 1, ObjectType: "AV", Instance: 2, PointName: "kwh"}
	ft.Responses[ref] = ReadResult{PointRef: ref, Value: 42.5}

	gw := NewGateway(ft, time.Second)
	results := gw.ReadPoints(context.Background(), []PointRef{ref})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if results[0].Value != 42.5 {
		t.Fatalf("expected 42.5, got %v", results[0].Value)
	}
}

func TestGatewayReadPointsTimeout(t *testing.T) {
	ft := NewFakeTransport()
	ft.Delay = func(ctx context.Context) {
		<-ctx.Done()
	}
	ref := PointRef{DeviceID: 1, ObjectType: "AV", Instance: 2, PointName: "kwh"}

	gw := NewGateway(ft, 10*time.Millisecond)
	results := gw.ReadPoints(context.Background(), []PointRef{ref})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	var timeoutErr *TimeoutError
	if !errors.As(results[0].Err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", results[0].Err)
	}
}

func TestGatewayReadPointsEmpty(t *testing.T) {
	gw := NewGateway(NewFakeTransport(), time.Second)
	if results := gw.ReadPoints(context.Background(), nil); results != nil {
		t.Fatalf("expected nil results for empty refs, got %v", results)
	}
}
