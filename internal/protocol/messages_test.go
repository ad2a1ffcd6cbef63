package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeAcceptsBothFieldNames(t *testing.T) {
	now := time.Now()
	var viaChar, viaPrediction PredictionResult
	if err := json.Unmarshal([]byte(`{"type":"prediction_result","char":"A","confidence":0.9}`), &viaChar); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"prediction":"A"}`), &viaPrediction); err != nil {
		t.Fatalf("decode: %v", err)
	}

	a := viaChar.Normalize(now)
	b := viaPrediction.Normalize(now)
	if a.Symbol != "A" || b.Symbol != "A" {
		t.Fatalf("expected symbol A from both shapes, got %q and %q", a.Symbol, b.Symbol)
	}
	if a.Confidence == nil || *a.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9")
	}
	if b.Confidence != nil {
		t.Fatalf("expected nil confidence when absent")
	}
}

func TestNormalizeSentinels(t *testing.T) {
	for _, sym := range []string{"No hand detected", "Error", "error", "", "no_detection"} {
		evt := PredictionResult{Char: sym}.Normalize(time.Now())
		if !evt.Sentinel {
			t.Fatalf("%q should be a sentinel", sym)
		}
		if evt.Symbol != "" {
			t.Fatalf("sentinel should carry empty symbol, got %q", evt.Symbol)
		}
	}
	if IsSentinel("B") {
		t.Fatal("letters are not sentinels")
	}
}

func TestSubjects(t *testing.T) {
	if FrameSubject("abc") != "sign.frame.abc" {
		t.Fatalf("unexpected frame subject %s", FrameSubject("abc"))
	}
	if PredictionSubject("abc") != "sign.prediction.abc" {
		t.Fatalf("unexpected prediction subject %s", PredictionSubject("abc"))
	}
}
