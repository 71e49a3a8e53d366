package hook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opst/caf/pkg/calibration"
	"github.com/opst/caf/pkg/hook"
	"github.com/opst/caf/pkg/utils/try"
)

func transition() calibration.Transition {
	return calibration.Transition{
		Calibration: "C1",
		Iteration:   1,
		Trigger:     "complete",
		From:        calibration.RunningCollector,
		To:          calibration.CollectorCompleted,
		At:          time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

type Resp struct {
	StatusCode  int
	ContentType string
	Content     string
}

type received struct {
	mu      sync.Mutex
	invoked bool
	auth    string
	value   calibration.Transition
}

func server(t *testing.T, resp Resp, rec *received) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.invoked = true

		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ctype := r.Header.Get("Content-Type"); ctype != "application/json" {
			t.Errorf("unexpected Content-Type: %s", ctype)
		}
		rec.auth = r.Header.Get("Authorization")

		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		if err := json.Unmarshal(buf.Bytes(), &rec.value); err != nil {
			t.Errorf("unexpected error: %v", err)
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Content != "" {
			w.Write([]byte(resp.Content))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestWeb(t *testing.T) {
	type When struct {
		resp1 Resp
		resp2 Resp
	}
	type Then struct {
		invoked1 bool
		invoked2 bool
		err      error
		message  string
	}

	for name, call := range map[string]func(hook.Web[calibration.Transition], []*url.URL) error{
		"Before": func(w hook.Web[calibration.Transition], urls []*url.URL) error {
			w.BeforeURL = urls
			return w.Before(context.Background(), transition())
		},
		"After": func(w hook.Web[calibration.Transition], urls []*url.URL) error {
			w.AfterURL = urls
			return w.After(context.Background(), transition())
		},
	} {
		theory := func(when When, then Then) func(*testing.T) {
			return func(t *testing.T) {
				rec1, rec2 := &received{}, &received{}
				s1 := server(t, when.resp1, rec1)
				s2 := server(t, when.resp2, rec2)

				err := call(hook.Web[calibration.Transition]{}, []*url.URL{
					try.To(url.Parse(s1.URL)).OrFatal(t),
					try.To(url.Parse(s2.URL)).OrFatal(t),
				})
				if !errors.Is(err, then.err) {
					t.Errorf("unexpected error: (actual, expected) = (%v, %v)", err, then.err)
				}
				if then.message != "" && !strings.Contains(err.Error(), then.message) {
					t.Errorf("message %q is not in error: %v", then.message, err)
				}
				if rec1.invoked != then.invoked1 || rec2.invoked != then.invoked2 {
					t.Errorf(
						"invocations mismatch. (actual, expected) = (%v %v, %v %v)",
						rec1.invoked, rec2.invoked, then.invoked1, then.invoked2,
					)
				}
				if rec1.invoked {
					expected := transition()
					if got := rec1.value; got.Calibration != expected.Calibration || got.To != expected.To || !got.At.Equal(expected.At) {
						t.Errorf("payload mismatch. (actual, expected) = (%+v, %+v)", got, expected)
					}
					if rec1.auth != "" {
						t.Errorf("unsigned hook sends Authorization: %s", rec1.auth)
					}
				}
			}
		}

		t.Run(name+": success all", theory(
			When{
				resp1: Resp{StatusCode: http.StatusOK},
				resp2: Resp{StatusCode: http.StatusNoContent},
			},
			Then{invoked1: true, invoked2: true},
		))

		t.Run(name+": fail first", theory(
			When{
				resp1: Resp{StatusCode: http.StatusNotFound},
				resp2: Resp{StatusCode: http.StatusOK},
			},
			Then{invoked1: true, invoked2: false, err: hook.ErrHookFailed},
		))

		t.Run(name+": fail second with a text message", theory(
			When{
				resp1: Resp{StatusCode: http.StatusOK},
				resp2: Resp{StatusCode: http.StatusBadRequest, ContentType: "text/plain", Content: "rejected"},
			},
			Then{invoked1: true, invoked2: true, err: hook.ErrHookFailed, message: "rejected"},
		))
	}
}

func TestWeb_Signed(t *testing.T) {
	key := []byte("secret")
	rec := &received{}
	s := server(t, Resp{StatusCode: http.StatusOK}, rec)

	testee := hook.Web[calibration.Transition]{
		AfterURL: []*url.URL{try.To(url.Parse(s.URL)).OrFatal(t)},
		Sign:     hook.NewSigner(key).Sign,
	}
	if err := testee.After(context.Background(), transition()); err != nil {
		t.Fatal(err)
	}

	token, ok := strings.CutPrefix(rec.auth, "Bearer ")
	if !ok {
		t.Fatalf("no bearer token: %q", rec.auth)
	}
	claims := try.To(hook.Verify(key, token)).OrFatal(t)
	if claims.Subject != "C1" || claims.State != string(calibration.CollectorCompleted) {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestWeb_InvalidURL(t *testing.T) {
	testee := hook.Web[calibration.Transition]{
		BeforeURL: []*url.URL{try.To(url.Parse("http://somewhere.invalid")).OrFatal(t)},
	}
	if err := testee.Before(context.Background(), transition()); !errors.Is(err, hook.ErrHookFailed) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWeb_NoURLs(t *testing.T) {
	signed := false
	testee := hook.Web[calibration.Transition]{
		Sign: func(calibration.Transition) (string, error) { signed = true; return "", nil },
	}
	if err := testee.After(context.Background(), transition()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if signed {
		t.Error("token is issued without requests")
	}
}
