package doortest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Jyppino/DoorPi-App/internal/transport"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
)

var jsonSrz = transport.JSONSerializer{}

// User is a key registered on the Server.
type User struct {
	Id           string
	Name         string
	Admin        bool
	PublicKey    string
	Unlocks      int
	LatestUnlock *time.Time
	Created      time.Time
}

type failure struct {
	status  int
	message string
}

// Server is a fake DoorPi server.
//
// It issues challenges encrypted with RSA-OAEP (SHA-256, MGF1-SHA1) under the registered
// public keys, accepts each answer once and enforces admin permissions. Registration
// codes are the answers of admin challenges requested with register set.
type Server struct {
	Trace *Trace

	mut        sync.Mutex
	settings   doorapi.Settings
	users      map[string]*User
	lastId     int
	challenges map[string]string // user id -> answer
	codes      map[string]bool
	nextAnswer string
	failures   map[string]failure

	srv *httptest.Server
}

// NewServer starts a Server that is closed at the end of the test.
// Requests paths are recorded in trace if not nil.
func NewServer(t testing.TB, settings doorapi.Settings, trace *Trace) *Server {
	rv := &Server{
		Trace:      trace,
		settings:   settings,
		users:      make(map[string]*User),
		challenges: make(map[string]string),
		codes:      make(map[string]bool),
		failures:   make(map[string]failure),
	}
	rv.srv = httptest.NewServer(rv.Router())
	t.Cleanup(rv.srv.Close)

	return rv
}

// URL returns the Server base url.
func (self *Server) URL() string {
	return self.srv.URL
}

// Router returns the Server http.Handler.
func (self *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(self.record)
	r.Get("/getSettings", self.getSettings)
	r.Post("/isRegistered", self.isRegistered)
	r.Post("/challenge", self.challenge)
	r.Post("/unlock", self.unlock)
	r.Post("/register", self.register)
	r.Post("/delete", self.deleteKey)
	r.Post("/setName", self.setName)
	r.Post("/setAdmin", self.setAdmin)
	r.Post("/keys", self.keys)

	return r
}

// AddUser registers publicKey and returns the new user id.
func (self *Server) AddUser(name string, admin bool, publicKey string) string {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.addUser(name, admin, publicKey).Id
}

// User returns a copy of the id User.
func (self *Server) User(id string) (User, bool) {
	self.mut.Lock()
	defer self.mut.Unlock()

	u, found := self.users[id]
	if !found {
		return User{}, false
	}
	return *u, true
}

// UserCount returns the number of registered users.
func (self *Server) UserCount() int {
	self.mut.Lock()
	defer self.mut.Unlock()
	return len(self.users)
}

// SetSetup changes the server setup mode.
func (self *Server) SetSetup(setup bool) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.settings.Setup = setup
}

// SetNextAnswer sets the plaintext of the next issued challenge.
func (self *Server) SetNextAnswer(answer string) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.nextAnswer = answer
}

// Fail makes requests to path fail with status & message.
// A 0 status drops the connection without response.
func (self *Server) Fail(path string, status int, message string) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.failures[path] = failure{status: status, message: message}
}

// Heal cancels failures configured with Fail.
func (self *Server) Heal() {
	self.mut.Lock()
	defer self.mut.Unlock()
	clear(self.failures)
}

func (self *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if nil != self.Trace {
			self.Trace.Add(r.URL.Path)
		}

		self.mut.Lock()
		f, failing := self.failures[r.URL.Path]
		self.mut.Unlock()
		if failing {
			if 0 == f.status {
				panic(http.ErrAbortHandler)
			}
			writeError(w, f.status, f.message)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (self *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	self.mut.Lock()
	settings := self.settings
	self.mut.Unlock()

	writeJSON(w, http.StatusOK, settings)
}

func (self *Server) isRegistered(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"publicKey"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	rv := doorapi.Registration{}
	if u := self.findByKey(req.PublicKey); nil != u {
		rv = doorapi.Registration{Registered: true, Admin: u.Admin, Id: doorapi.Id(u.Id)}
	}
	writeJSON(w, http.StatusOK, rv)
}

func (self *Server) challenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Id       string `json:"id"`
		Register bool   `json:"register"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	u, found := self.users[req.Id]
	if !found {
		writeError(w, http.StatusNotFound, "Unknown key")
		return
	}
	pub, err := custody.ParsePublicKeyBase64(u.PublicKey)
	if nil != err {
		writeError(w, http.StatusInternalServerError, "Invalid public key")
		return
	}

	answer := self.nextAnswer
	self.nextAnswer = ""
	if "" == answer {
		answer = randomCode()
	}
	ct, err := custody.EncryptOAEP(pub, []byte(answer))
	if nil != err {
		writeError(w, http.StatusInternalServerError, "Encryption failed")
		return
	}
	self.challenges[u.Id] = answer
	if req.Register && u.Admin {
		self.codes[answer] = true
	}

	writeJSON(w, http.StatusOK, map[string]string{"challenge": base64.StdEncoding.EncodeToString(ct)})
}

func (self *Server) unlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Id     string `json:"id"`
		Answer string `json:"answer"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	u := self.authorize(w, req.Id, req.Answer)
	if nil == u {
		return
	}
	now := time.Now().UTC()
	u.Unlocks += 1
	u.LatestUnlock = &now

	writeJSON(w, http.StatusOK, map[string]string{"name": u.Name})
}

func (self *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		PublicKey string `json:"publicKey"`
		Answer    string `json:"answer"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	if "" == req.Name {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if _, err := custody.ParsePublicKeyBase64(req.PublicKey); nil != err {
		writeError(w, http.StatusBadRequest, "Invalid public key")
		return
	}
	if nil != self.findByKey(req.PublicKey) {
		writeError(w, http.StatusConflict, "Key already registered")
		return
	}

	admin := false
	switch {
	case self.settings.Setup:
		// first registered key administers the server
		admin = true
		self.settings.Setup = false
	case self.codes[req.Answer]:
		delete(self.codes, req.Answer)
	default:
		writeError(w, http.StatusUnauthorized, "Invalid registration code")
		return
	}
	self.addUser(req.Name, admin, req.PublicKey)

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (self *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Id       string `json:"id"`
		DeleteId string `json:"deleteId"`
		Answer   string `json:"answer"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	u := self.authorize(w, req.Id, req.Answer)
	if nil == u || !self.allowed(w, u, req.DeleteId) {
		return
	}
	delete(self.users, req.DeleteId)

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (self *Server) setName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Id     string `json:"id"`
		NameId string `json:"nameId"`
		Name   string `json:"name"`
		Answer string `json:"answer"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	u := self.authorize(w, req.Id, req.Answer)
	if nil == u || !self.allowed(w, u, req.NameId) {
		return
	}
	if "" == req.Name {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	self.users[req.NameId].Name = req.Name

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (self *Server) setAdmin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Id      string `json:"id"`
		AdminId string `json:"adminId"`
		Status  bool   `json:"status"`
		Answer  string `json:"answer"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	u := self.authorize(w, req.Id, req.Answer)
	if nil == u {
		return
	}
	if !u.Admin {
		writeError(w, http.StatusForbidden, "Not allowed")
		return
	}
	target, found := self.users[req.AdminId]
	if !found {
		writeError(w, http.StatusNotFound, "Unknown key")
		return
	}
	target.Admin = req.Status

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (self *Server) keys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Id     string `json:"id"`
		Answer string `json:"answer"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	u := self.authorize(w, req.Id, req.Answer)
	if nil == u {
		return
	}
	if !u.Admin {
		writeError(w, http.StatusForbidden, "Not allowed")
		return
	}

	keys := make([]doorapi.KeyInfo, 0, len(self.users))
	for id := 1; id <= self.lastId; id++ {
		ku, found := self.users[strconv.Itoa(id)]
		if !found {
			continue
		}
		keys = append(keys, doorapi.KeyInfo{
			Id:           doorapi.Id(ku.Id),
			Name:         ku.Name,
			Unlocks:      ku.Unlocks,
			LatestUnlock: ku.LatestUnlock,
			Admin:        ku.Admin,
			Created:      ku.Created,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// authorize consumes the pending challenge of id and returns the matching User.
// It writes an error response and returns nil if answer is not valid.
func (self *Server) authorize(w http.ResponseWriter, id string, answer string) *User {
	u, found := self.users[id]
	if !found {
		writeError(w, http.StatusNotFound, "Unknown key")
		return nil
	}
	pending, found := self.challenges[id]
	delete(self.challenges, id)
	if !found || pending != answer {
		writeError(w, http.StatusUnauthorized, "Invalid answer")
		return nil
	}
	delete(self.codes, answer)

	return u
}

// allowed returns true if u can modify the targetId key.
func (self *Server) allowed(w http.ResponseWriter, u *User, targetId string) bool {
	if _, found := self.users[targetId]; !found {
		writeError(w, http.StatusNotFound, "Unknown key")
		return false
	}
	if !u.Admin && u.Id != targetId {
		writeError(w, http.StatusForbidden, "Not allowed")
		return false
	}
	return true
}

func (self *Server) addUser(name string, admin bool, publicKey string) *User {
	self.lastId += 1
	u := &User{
		Id:        strconv.Itoa(self.lastId),
		Name:      name,
		Admin:     admin,
		PublicKey: publicKey,
		Created:   time.Now().UTC().Truncate(time.Millisecond),
	}
	self.users[u.Id] = u
	return u
}

func (self *Server) findByKey(publicKey string) *User {
	for _, u := range self.users {
		if u.PublicKey == publicKey {
			return u
		}
	}
	return nil
}

func randomCode() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	data, err := io.ReadAll(r.Body)
	if nil == err {
		err = jsonSrz.Unmarshal(data, dst)
	}
	if nil != err {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonSrz.Marshal(v)
	if nil != err {
		status = http.StatusInternalServerError
		data = []byte(`{"message": "Serialization failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
