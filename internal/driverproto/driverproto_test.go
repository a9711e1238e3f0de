package driverproto

import "testing"

func TestErrorCodeString(t *testing.T) {
	cases := map[ErrorCode]string{
		ErrorUnknownPublication:   "UNKNOWN_PUBLICATION",
		ErrorUnknownSubscription:  "UNKNOWN_SUBSCRIPTION",
		ErrorGeneric:              "GENERIC",
		ErrorCode(99):             "UNKNOWN_ERROR_CODE",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", code, got, want)
		}
	}
}
