package doorapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/internal/transport"
	"github.com/Jyppino/DoorPi-App/internal/utils"
)

// recorded holds a request received by the test server.
type recorded struct {
	method string
	path   string
	body   map[string]any
	rId    string
}

// newTestServer returns a server that records requests and answers with status & body.
func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *[]recorded) {
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, rId: r.Header.Get(observability.RequestIdHeader)}
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.body); nil != err {
				t.Errorf("server received invalid JSON %q", data)
			}
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	cli, err := New(srv.URL, NewHttpClient(5*time.Second, false))
	require.NoError(t, err)
	return cli
}

func TestNewInvalidUrl(t *testing.T) {
	for _, u := range []string{"", "ftp://pi:3000", "pi:3000", "http://", "://bad"} {
		_, err := New(u, nil)
		assert.Error(t, err, "url %q", u)
	}
}

func TestBaseUrl(t *testing.T) {
	assert.Equal(t, "https://doorpi.local:3000", BaseUrl("doorpi.local", 3000, true))
	assert.Equal(t, "http://192.168.1.20:8080", BaseUrl("192.168.1.20", 8080, false))
	assert.Equal(t, "https://[fe80::1]:3000", BaseUrl("fe80::1", 3000, true))
}

func TestGetSettings(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK, `{"id": 12, "name": "Front door", "setup": true}`)
	cli := newTestClient(t, srv)

	settings, err := cli.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Settings{Id: "12", Name: "Front door", Setup: true}, settings)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodGet, call.method)
	assert.Equal(t, "/getSettings", call.path)
	assert.NotEmpty(t, call.rId)
}

func TestGetSettingsMissingId(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"name": "Front door", "setup": false}`)
	cli := newTestClient(t, srv)

	_, err := cli.GetSettings(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.ErrorIs(t, err, transport.ValidationError)
}

func TestChallenge(t *testing.T) {
	ct := []byte{0xde, 0xad, 0xbe, 0xef}
	srv, calls := newTestServer(t, http.StatusOK, `{"challenge": "`+base64.StdEncoding.EncodeToString(ct)+`"}`)
	cli := newTestClient(t, srv)

	got, err := cli.Challenge(context.Background(), "7", true)
	require.NoError(t, err)
	assert.Equal(t, ct, got)
	assert.Equal(t, map[string]any{"id": "7", "register": true}, (*calls)[0].body)
}

func TestChallengeInvalid(t *testing.T) {
	for _, body := range []string{`{"challenge": "%%%"}`, `{"challenge": ""}`, `not json`} {
		srv, _ := newTestServer(t, http.StatusOK, body)
		cli := newTestClient(t, srv)

		_, err := cli.Challenge(context.Background(), "7", false)
		assert.ErrorIs(t, err, ErrInvalidResponse, "body %s", body)
	}
}

func TestRequests(t *testing.T) {
	testcases := []struct {
		name   string
		call   func(cli *Client) error
		path   string
		expect map[string]any
	}{
		{
			name:   "isRegistered",
			call:   func(cli *Client) error { _, err := cli.IsRegistered(context.Background(), "UEs="); return err },
			path:   "/isRegistered",
			expect: map[string]any{"publicKey": "UEs="},
		},
		{
			name:   "unlock",
			call:   func(cli *Client) error { _, err := cli.Unlock(context.Background(), "7", "42"); return err },
			path:   "/unlock",
			expect: map[string]any{"id": "7", "answer": "42"},
		},
		{
			name:   "register",
			call:   func(cli *Client) error { return cli.Register(context.Background(), "Alice", "UEs=", "1234") },
			path:   "/register",
			expect: map[string]any{"name": "Alice", "publicKey": "UEs=", "answer": "1234"},
		},
		{
			name:   "delete",
			call:   func(cli *Client) error { return cli.DeleteKey(context.Background(), "7", "9", "42") },
			path:   "/delete",
			expect: map[string]any{"id": "7", "deleteId": "9", "answer": "42"},
		},
		{
			name:   "setName",
			call:   func(cli *Client) error { return cli.SetName(context.Background(), "7", "9", "Bob", "42") },
			path:   "/setName",
			expect: map[string]any{"id": "7", "nameId": "9", "name": "Bob", "answer": "42"},
		},
		{
			name:   "setAdmin",
			call:   func(cli *Client) error { return cli.SetAdmin(context.Background(), "7", "9", true, "42") },
			path:   "/setAdmin",
			expect: map[string]any{"id": "7", "adminId": "9", "status": true, "answer": "42"},
		},
		{
			name:   "keys",
			call:   func(cli *Client) error { _, err := cli.Keys(context.Background(), "7", "42"); return err },
			path:   "/keys",
			expect: map[string]any{"id": "7", "answer": "42"},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			srv, calls := newTestServer(t, http.StatusOK, `{}`)
			cli := newTestClient(t, srv)

			require.NoError(t, tc.call(cli))
			require.Len(t, *calls, 1)
			call := (*calls)[0]
			assert.Equal(t, http.MethodPost, call.method)
			assert.Equal(t, tc.path, call.path)
			assert.Equal(t, tc.expect, call.body)
		})
	}
}

func TestInvalidRequestNotSent(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK, `{}`)
	cli := newTestClient(t, srv)

	err := cli.SetName(context.Background(), "7", "9", "", "42")
	assert.ErrorIs(t, err, transport.ValidationError)
	err = cli.Register(context.Background(), "", "UEs=", "")
	assert.ErrorIs(t, err, transport.ValidationError)
	assert.Empty(t, *calls)
}

func TestUnlock(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"name": "Alice"}`)
	cli := newTestClient(t, srv)

	name, err := cli.Unlock(context.Background(), "7", "42")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
}

func TestServerRejected(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnauthorized, `{"message": "Invalid answer"}`)
	cli := newTestClient(t, srv)

	_, err := cli.Unlock(context.Background(), "7", "41")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerRejected)
	assert.NotErrorIs(t, err, ErrUnreachable)

	msg, ok := ServerMessage(err)
	assert.True(t, ok)
	assert.Equal(t, "Invalid answer", msg)
	assert.Equal(t, "Invalid answer", utils.Message(err))
}

func TestServerRejectedWithoutMessage(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusInternalServerError, `<html>oops</html>`)
	cli := newTestClient(t, srv)

	_, err := cli.GetSettings(context.Background())
	assert.ErrorIs(t, err, ErrServerRejected)
	msg, ok := ServerMessage(err)
	assert.True(t, ok)
	assert.Empty(t, msg)
	assert.Equal(t, "500 Internal Server Error", utils.Message(err))
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseUrl := srv.URL
	srv.Close()

	cli, err := New(baseUrl, NewHttpClient(time.Second, false))
	require.NoError(t, err)

	_, err = cli.Unlock(context.Background(), "7", "42")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrServerRejected)
	_, ok := ServerMessage(err)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	body := `{"keys": [
		{"id": 1, "name": "Alice", "unlocks": 12, "latestUnlock": "2020-05-01T08:30:00.000Z", "admin": true, "created": "1588321800000"},
		{"id": "2", "name": "Bob", "unlocks": 0, "latestUnlock": "null", "admin": false, "created": 1588321800000},
		{"id": "3", "name": "Carol", "unlocks": 0, "latestUnlock": null, "admin": false, "created": 1588321800000}
	]}`
	srv, _ := newTestServer(t, http.StatusOK, body)
	cli := newTestClient(t, srv)

	keys, err := cli.Keys(context.Background(), "1", "42")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	created := time.Date(2020, 5, 1, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, Id("1"), keys[0].Id)
	assert.True(t, keys[0].Admin)
	assert.Equal(t, 12, keys[0].Unlocks)
	require.NotNil(t, keys[0].LatestUnlock)
	assert.True(t, created.Equal(*keys[0].LatestUnlock))
	assert.True(t, created.Equal(keys[0].Created))

	assert.Nil(t, keys[1].LatestUnlock)
	assert.Nil(t, keys[2].LatestUnlock)
	assert.True(t, created.Equal(keys[2].Created))
}

func TestKeyInfoJSON(t *testing.T) {
	ts := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := KeyInfo{Id: "4", Name: "Dave", Unlocks: 3, LatestUnlock: &ts, Created: ts}
	data, err := json.Marshal(orig)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"4","name":"Dave","unlocks":3,"latestUnlock":"2021-01-02T03:04:05Z","admin":false,"created":1609556645000}`, string(data))

	var restored KeyInfo
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.True(t, orig.Created.Equal(restored.Created))
	assert.True(t, orig.LatestUnlock.Equal(*restored.LatestUnlock))
}

func TestKeysInvalidDate(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"keys": [{"id": 1, "latestUnlock": "yesterday", "created": 0}]}`)
	cli := newTestClient(t, srv)

	_, err := cli.Keys(context.Background(), "1", "42")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
