package unwatermark

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDecodeEnvelopeMessageForms(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{body: `{"code":0,"message":"Request Success."}`, want: "Request Success."},
		{body: `{"code":0,"message":{"zh":"成功","en":"Request Success."}}`, want: "Request Success."},
		{body: `{"code":0,"message":{"zh":"成功"}}`, want: "成功"},
		{body: `{"code":0,"message":{"zh":"成功","de":"Erfolg","fr":"Succès"}}`, want: "Erfolg"},
		{body: `{"code":0,"message":{"en":"Done.","retry":false,"detail":{"n":1}}}`, want: "Done."},
		{body: `{"code":0,"message":{"retry":true}}`, want: ""},
		{body: `{"code":0,"message":null}`, want: ""},
		{body: `{"code":0}`, want: ""},
	}

	for _, tc := range cases {
		env, err := decodeEnvelope([]byte(tc.body))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.body, err)
		}
		if got := env.Message.English(); got != tc.want {
			t.Fatalf("decode %s: expected message %q, got %q", tc.body, tc.want, got)
		}
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	for _, body := range []string{"", "<html>", `{"code":"zero"}`, `{"message":42}`} {
		if _, err := decodeEnvelope([]byte(body)); err == nil {
			t.Fatalf("expected decode error for %q", body)
		}
	}
}

func TestEnvelopeCompletionSignal(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"code":0,"result":{"job_id":"j1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.ok() || env.jobID() != "j1" || env.outputURL() != "" {
		t.Fatalf("unexpected pending envelope: %+v", env)
	}

	env, err = decodeEnvelope([]byte(`{"code":0,"result":{"job_id":"j1","output_image_url":"https://cdn/x.png"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.outputURL() != "https://cdn/x.png" {
		t.Fatalf("expected output url, got %q", env.outputURL())
	}

	var nilEnv *Envelope
	if nilEnv.ok() || nilEnv.jobID() != "" || nilEnv.outputURL() != "" {
		t.Fatal("nil envelope should report nothing")
	}
}

func TestErrorMatchesSentinelOfItsKind(t *testing.T) {
	sentinels := map[Kind]error{
		KindInvalidInput: ErrInvalidInput,
		KindInputFetch:   ErrInputFetch,
		KindSubmission:   ErrSubmission,
		KindAPI:          ErrAPI,
		KindPoll:         ErrPoll,
		KindTimeout:      ErrTimeout,
	}

	for kind, sentinel := range sentinels {
		err := fmt.Errorf("wrapped: %w", &Error{Kind: kind, JobID: "j"})
		if !errors.Is(err, sentinel) {
			t.Fatalf("%s: expected errors.Is to match its sentinel", kind)
		}
		if KindOf(err) != kind {
			t.Fatalf("%s: KindOf returned %s", kind, KindOf(err))
		}
		for other, s := range sentinels {
			if other != kind && errors.Is(err, s) {
				t.Fatalf("%s: unexpectedly matched %s", kind, other)
			}
		}
	}

	if KindOf(errors.New("plain")) != 0 {
		t.Fatal("expected zero kind for foreign errors")
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &Error{Kind: KindTimeout, JobID: "abc", Budget: 5 * time.Second, Elapsed: 6 * time.Second}
	want := "job timed out: job abc not finished after 6s (budget 5s)"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
