package gateway

import "testing"

func TestOutcomeFromHangupCause(t *testing.T) {
	tests := []struct {
		cause int
		want  Outcome
	}{
		{16, OutcomeAnswered},
		{17, OutcomeBusy},
		{18, OutcomeNoAnswer},
		{19, OutcomeNoAnswer},
		{21, OutcomeNoAnswer},
		{1, OutcomeFailed},
		{27, OutcomeFailed},
		{34, OutcomeFailed},
		{38, OutcomeFailed},
		{0, OutcomeNoAnswer},   // unknown causes default to no_answer
		{127, OutcomeNoAnswer}, // interworking, unspecified
	}
	for _, tt := range tests {
		if got := outcomeFromHangupCause(tt.cause); got != tt.want {
			t.Errorf("cause %d = %s, want %s", tt.cause, got, tt.want)
		}
	}
}

func TestOutcomeSuccess(t *testing.T) {
	success := []Outcome{OutcomeAnswered, OutcomeTransferred}
	failure := []Outcome{OutcomeNoAnswer, OutcomeBusy, OutcomeFailed}

	for _, o := range success {
		if !o.Success() {
			t.Errorf("%s should count as success", o)
		}
	}
	for _, o := range failure {
		if o.Success() {
			t.Errorf("%s should not count as success", o)
		}
	}
}

func TestOutcomeValid(t *testing.T) {
	for _, o := range []Outcome{OutcomeAnswered, OutcomeTransferred, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed} {
		if !o.Valid() {
			t.Errorf("%s should be valid", o)
		}
	}
	for _, o := range []Outcome{"", "ringing", "ANSWERED"} {
		if o.Valid() {
			t.Errorf("%q should not be valid", o)
		}
	}
}
