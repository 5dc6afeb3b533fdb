package utils

import "testing"

func TestParseGCSObjectURL(t *testing.T) {
	cases := []struct {
		in     string
		bucket string
		object string
		ok     bool
	}{
		{"gs://reno-docs/budgets/a.pdf", "reno-docs", "budgets/a.pdf", true},
		{"https://storage.googleapis.com/reno-docs/budgets/a.pdf", "reno-docs", "budgets/a.pdf", true},
		{"https://storage.cloud.google.com/reno-docs/a.pdf", "reno-docs", "a.pdf", true},
		{"https://reno-docs.storage.googleapis.com/budgets/a.pdf", "reno-docs", "budgets/a.pdf", true},
		{"https://example.com/a.pdf", "", "", false},
		{"gs://bucket-only", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		bucket, object, ok := ParseGCSObjectURL(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseGCSObjectURL(%q) ok expected %v, got %v", tc.in, tc.ok, ok)
		}
		if bucket != tc.bucket || object != tc.object {
			t.Fatalf("ParseGCSObjectURL(%q) expected (%q,%q), got (%q,%q)", tc.in, tc.bucket, tc.object, bucket, object)
		}
	}
}
