package rpcclient

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("query returned more than 10000 results, range too large"), ClassRangeTooLarge},
		{errors.New("block range exceeded"), ClassRangeTooLarge},
		{errors.New("Request Timeout"), ClassRangeTooLarge},
		{errors.New("connection reset by peer"), ClassTransient},
		{errors.New("502 Bad Gateway"), ClassTransient},
		{errors.New("unexpected EOF"), ClassTransient},
		{errors.New("execution reverted"), ClassFatal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}
