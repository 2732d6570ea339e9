// Package doorapi implements the client side of the DoorPi HTTP/JSON protocol.
package doorapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/internal/transport"
)

const maxBodySize = 1 << 20

var jsonSrz = transport.WrapInSafeSerializer(transport.JSONSerializer{})

// httpClient is a private interface that simplify mocking http.Client.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends DoorPi requests to a single server.
type Client struct {
	baseUrl string
	cli     httpClient
}

// New returns a Client for the server at baseUrl. It uses http.DefaultClient if cli is nil.
func New(baseUrl string, cli httpClient) (*Client, error) {
	srvUrl, err := url.Parse(baseUrl)
	if nil != err {
		return nil, wrapError(err, "invalid baseUrl")
	}
	if !slices.Contains([]string{"http", "https"}, srvUrl.Scheme) {
		return nil, newError("invalid baseUrl scheme %q", srvUrl.Scheme)
	}
	if "" == srvUrl.Host {
		return nil, newError("baseUrl has no host")
	}
	if nil == cli {
		cli = http.DefaultClient
	}

	return &Client{baseUrl: strings.TrimSuffix(baseUrl, "/"), cli: cli}, nil
}

// BaseUrl returns the DoorPi server url, https://host:port if ssl is true
// and http://host:port otherwise.
func BaseUrl(host string, port int, ssl bool) string {
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NewHttpClient returns an *http.Client suitable for New.
//
// Server certificates are not verified unless verifyCert is true, DoorPi servers
// usually use self signed certificates.
func NewHttpClient(timeout time.Duration, verifyCert bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyCert}

	return &http.Client{
		Timeout:   timeout,
		Transport: observability.Transport{Next: tr},
	}
}

// BaseUrl returns the server url.
func (self *Client) BaseUrl() string {
	return self.baseUrl
}

// GetSettings retrieves the server settings.
func (self *Client) GetSettings(ctx context.Context) (Settings, error) {
	var rv Settings
	err := self.call(ctx, http.MethodGet, "/getSettings", nil, &rv)
	return rv, err
}

// IsRegistered retrieves the registration status of publicKey.
func (self *Client) IsRegistered(ctx context.Context, publicKey string) (Registration, error) {
	var rv Registration
	err := self.call(ctx, http.MethodPost, "/isRegistered", registrationRequest{PublicKey: publicKey}, &rv)
	return rv, err
}

// Challenge requests a new challenge for userId and returns the decoded ciphertext.
// register is true when the answer will be used as a registration code.
func (self *Client) Challenge(ctx context.Context, userId string, register bool) ([]byte, error) {
	var resp challengeResponse
	err := self.call(ctx, http.MethodPost, "/challenge", challengeRequest{Id: userId, Register: register}, &resp)
	if nil != err {
		return nil, err
	}
	return resp.ciphertext()
}

// Unlock opens the door and returns the name the server welcomes.
func (self *Client) Unlock(ctx context.Context, userId string, answer string) (string, error) {
	var resp unlockResponse
	err := self.call(ctx, http.MethodPost, "/unlock", unlockRequest{Id: userId, Answer: answer}, &resp)
	return resp.Name, err
}

// Register registers publicKey under name. answer is the registration code,
// it is empty when the server is in setup mode.
func (self *Client) Register(ctx context.Context, name string, publicKey string, answer string) error {
	req := registerRequest{Name: name, PublicKey: publicKey, Answer: answer}
	return self.call(ctx, http.MethodPost, "/register", req, nil)
}

// DeleteKey removes the deleteId key.
func (self *Client) DeleteKey(ctx context.Context, userId string, deleteId string, answer string) error {
	req := deleteRequest{Id: userId, DeleteId: deleteId, Answer: answer}
	return self.call(ctx, http.MethodPost, "/delete", req, nil)
}

// SetName renames the nameId key.
func (self *Client) SetName(ctx context.Context, userId string, nameId string, name string, answer string) error {
	req := setNameRequest{Id: userId, NameId: nameId, Name: name, Answer: answer}
	return self.call(ctx, http.MethodPost, "/setName", req, nil)
}

// SetAdmin grants (status true) or revokes the admin role of the adminId key.
func (self *Client) SetAdmin(ctx context.Context, userId string, adminId string, status bool, answer string) error {
	req := setAdminRequest{Id: userId, AdminId: adminId, Status: status, Answer: answer}
	return self.call(ctx, http.MethodPost, "/setAdmin", req, nil)
}

// Keys lists the registered keys.
func (self *Client) Keys(ctx context.Context, userId string, answer string) ([]KeyInfo, error) {
	var resp keysResponse
	err := self.call(ctx, http.MethodPost, "/keys", keysRequest{Id: userId, Answer: answer}, &resp)
	return resp.Keys, err
}

// call sends reqmsg to path and decodes the response body into respmsg if not nil.
func (self *Client) call(ctx context.Context, method string, path string, reqmsg any, respmsg any) error {
	log := observability.GetObservability(ctx).Log().With("path", path)

	var body io.Reader
	if nil != reqmsg {
		srzmsg, err := jsonSrz.Marshal(reqmsg)
		if nil != err {
			errmsg := "failed serializing request"
			log.Debug(errmsg, "error", err)
			return wrapError(err, errmsg)
		}
		body = bytes.NewReader(srzmsg)
	}

	req, err := http.NewRequestWithContext(ctx, method, self.baseUrl+path, body)
	if nil != err {
		return wrapError(err, "failed instantiating http Request")
	}
	req.Header.Set("Accept", "application/json")
	if nil != body {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := self.cli.Do(req)
	if nil != err {
		errmsg := fmt.Sprintf("failed %s %s", method, path)
		log.Debug(errmsg, "error", err)
		return raiseError(ErrUnreachable, err, errmsg)
	}
	defer resp.Body.Close()

	srzmsg, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if nil != err {
		errmsg := "failed reading response body"
		log.Debug(errmsg, "error", err)
		return raiseError(ErrUnreachable, err, errmsg)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		srverr := &ServerError{Status: resp.StatusCode}
		var er errorResponse
		if nil == jsonSrz.Unmarshal(srzmsg, &er) {
			srverr.Message = er.Message
		}
		log.Debug("server rejected request", "status", resp.StatusCode, "message", srverr.Message)
		return raiseError(ErrServerRejected, srverr, "%s %s rejected", method, path)
	}

	if nil == respmsg {
		return nil
	}
	err = jsonSrz.Unmarshal(srzmsg, respmsg)
	if nil != err {
		errmsg := "failed decoding response"
		log.Debug(errmsg, "error", err)
		return raiseError(ErrInvalidResponse, err, errmsg)
	}

	return nil
}

// ServerMessage returns the message of the *ServerError in err chain if any.
func ServerMessage(err error) (string, bool) {
	var srverr *ServerError
	if errors.As(err, &srverr) {
		return srverr.Message, true
	}
	return "", false
}
