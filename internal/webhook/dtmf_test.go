package webhook

import (
	"testing"
)

func TestDecodeDTMF(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
		want    DTMFResult
	}{
		{"top level dtmf", `{"dtmf":"123456"}`, DTMFResult{Outcome: DTMFDigits, Digits: "123456"}},
		{"top level digits", `{"digits":"1"}`, DTMFResult{Outcome: DTMFDigits, Digits: "1"}},
		{"top level capturedDtmf", `{"capturedDtmf":"42"}`, DTMFResult{Outcome: DTMFDigits, Digits: "42"}},
		{"empty string is digits", `{"dtmf":""}`, DTMFResult{Outcome: DTMFDigits, Digits: ""}},
		{"explicit null is no digits", `{"dtmf":null}`, DTMFResult{Outcome: DTMFNoDigits}},
		{"absent key is no digits", `{"other":"x"}`, DTMFResult{Outcome: DTMFNoDigits}},
		{"wrong type is malformed", `{"dtmf":42}`, DTMFResult{Outcome: DTMFMalformed}},
		{"nested results", `{"results":[{"dtmf":"9876"}]}`, DTMFResult{Outcome: DTMFDigits, Digits: "9876"}},
		{"nested results null", `{"results":[{"capturedDtmf":null}]}`, DTMFResult{Outcome: DTMFNoDigits}},
		{"empty results list", `{"results":[]}`, DTMFResult{Outcome: DTMFMalformed}},
		{"results wrong shape", `{"results":"nope"}`, DTMFResult{Outcome: DTMFMalformed}},
		{"voice call object", `{"voiceCall":{"dtmf":"55"}}`, DTMFResult{Outcome: DTMFDigits, Digits: "55"}},
		{"voice call without digits", `{"voiceCall":{"id":"c1"}}`, DTMFResult{Outcome: DTMFNoDigits}},
		{"voice call wrong shape", `{"voiceCall":[1]}`, DTMFResult{Outcome: DTMFMalformed}},
		{"not an object", `[1,2]`, DTMFResult{Outcome: DTMFMalformed}},
		{"invalid json", `{`, DTMFResult{Outcome: DTMFMalformed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := DecodeDTMF([]byte(tc.payload))
			if got != tc.want {
				t.Fatalf("DecodeDTMF(%s) = %+v, want %+v", tc.payload, got, tc.want)
			}
		})
	}
}

func TestDecodeDTMFDistinguishesEmptyFromAbsent(t *testing.T) {
	t.Parallel()

	empty := DecodeDTMF([]byte(`{"dtmf":""}`))
	absent := DecodeDTMF([]byte(`{}`))
	if !empty.HasDigits() {
		t.Fatal("empty digit string must count as digits present")
	}
	if absent.HasDigits() {
		t.Fatal("absent digits must not count as digits present")
	}
}
