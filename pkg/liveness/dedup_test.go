package liveness

import "testing"

func TestEchoSuppressorSuppressesRecentPublish(t *testing.T) {
	s := newEchoSuppressor()
	s.MarkPublished("statsnapp/d1/registration_ack", `{"success":true}`)

	if !s.IsEcho("statsnapp/d1/registration_ack", `{"success":true}`) {
		t.Error("expected recently published message to be suppressed")
	}
}

func TestEchoSuppressorIgnoresUnrelatedMessage(t *testing.T) {
	s := newEchoSuppressor()
	s.MarkPublished("statsnapp/d1/registration_ack", `{"success":true}`)

	if s.IsEcho("statsnapp/d2/registration_ack", `{"success":true}`) {
		t.Error("expected message on a different topic not to be suppressed")
	}
}

func TestEchoKeyTruncatesLongPayload(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	k1 := echoKey("t", string(long))
	k2 := echoKey("t", string(long[:echoPayloadSampleLen]))
	if k1 != k2 {
		t.Error("echoKey() should truncate payload beyond the sample length")
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	cases := []struct {
		topic, prefix, want string
	}{
		{"statsnapp/d-123/active", "statsnapp", "d-123"},
		{"statsnapp/d-123/lwt", "statsnapp", "d-123"},
		{"other/d-123/active", "statsnapp", ""},
		{"statsnapp/onlyone", "statsnapp", ""},
	}
	for _, c := range cases {
		if got := deviceIDFromTopic(c.topic, c.prefix); got != c.want {
			t.Errorf("deviceIDFromTopic(%q, %q) = %q, want %q", c.topic, c.prefix, got, c.want)
		}
	}
}
