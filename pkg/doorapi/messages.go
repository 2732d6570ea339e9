package doorapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"
)

// Id is a server identifier. It decodes from JSON strings and numbers.
type Id string

// UnmarshalJSON implements json.Unmarshaler.
func (self *Id) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*self = ""
		return nil
	}
	if len(data) > 0 && '"' == data[0] {
		var s string
		err := json.Unmarshal(data, &s)
		if nil != err {
			return err
		}
		*self = Id(s)
		return nil
	}
	var n json.Number
	err := json.Unmarshal(data, &n)
	if nil != err {
		return wrapError(err, "invalid Id %s", data)
	}
	*self = Id(n.String())

	return nil
}

// Settings describes a DoorPi server.
type Settings struct {
	Id    Id     `json:"id"`
	Name  string `json:"name"`
	Setup bool   `json:"setup"` // true if the server accepts registrations without code
}

// Check returns an error if the Settings are invalid.
func (self Settings) Check() error {
	if "" == self.Id {
		return newError("empty server id")
	}
	return nil
}

// Registration is the server view of the device public key.
type Registration struct {
	Registered bool `json:"registered"`
	Admin      bool `json:"admin"`
	Id         Id   `json:"id"`
}

// Check returns an error if the Registration is invalid.
func (self Registration) Check() error {
	if self.Registered && "" == self.Id {
		return newError("registered without user id")
	}
	return nil
}

// KeyInfo describes a registered key.
type KeyInfo struct {
	Id           Id
	Name         string
	Unlocks      int
	LatestUnlock *time.Time // nil if never used
	Admin        bool
	Created      time.Time
	IsSelf       bool // true for the key of the requesting user
}

type keyInfoJSON struct {
	Id           Id              `json:"id"`
	Name         string          `json:"name"`
	Unlocks      int             `json:"unlocks"`
	LatestUnlock *string         `json:"latestUnlock"`
	Admin        bool            `json:"admin"`
	Created      json.RawMessage `json:"created"`
}

// UnmarshalJSON decodes latestUnlock from null, "null" or an RFC 3339 string
// and created from epoch milliseconds given as number or string.
func (self *KeyInfo) UnmarshalJSON(data []byte) error {
	var raw keyInfoJSON
	err := json.Unmarshal(data, &raw)
	if nil != err {
		return err
	}

	rv := KeyInfo{Id: raw.Id, Name: raw.Name, Unlocks: raw.Unlocks, Admin: raw.Admin}
	if nil != raw.LatestUnlock && "null" != *raw.LatestUnlock && "" != *raw.LatestUnlock {
		ts, err := time.Parse(time.RFC3339Nano, *raw.LatestUnlock)
		if nil != err {
			return wrapError(err, "invalid latestUnlock")
		}
		rv.LatestUnlock = &ts
	}

	ms, err := parseEpochMillis(raw.Created)
	if nil != err {
		return wrapError(err, "invalid created")
	}
	rv.Created = time.UnixMilli(ms).UTC()

	*self = rv

	return nil
}

// MarshalJSON encodes KeyInfo the way the server does.
func (self KeyInfo) MarshalJSON() ([]byte, error) {
	raw := keyInfoJSON{
		Id:      self.Id,
		Name:    self.Name,
		Unlocks: self.Unlocks,
		Admin:   self.Admin,
		Created: json.RawMessage(strconv.FormatInt(self.Created.UnixMilli(), 10)),
	}
	if nil != self.LatestUnlock {
		ts := self.LatestUnlock.UTC().Format(time.RFC3339Nano)
		raw.LatestUnlock = &ts
	}
	return json.Marshal(raw)
}

func parseEpochMillis(data json.RawMessage) (int64, error) {
	data = bytes.TrimSpace(data)
	if 0 == len(data) || bytes.Equal(data, []byte("null")) {
		return 0, nil
	}
	if '"' == data[0] {
		var s string
		err := json.Unmarshal(data, &s)
		if nil != err {
			return 0, err
		}
		data = []byte(s)
	}
	return strconv.ParseInt(string(data), 10, 64)
}

// Check returns an error if the KeyInfo is invalid.
func (self KeyInfo) Check() error {
	if "" == self.Id {
		return newError("empty key id")
	}
	if self.Unlocks < 0 {
		return newError("negative unlocks")
	}
	return nil
}

type registrationRequest struct {
	PublicKey string `json:"publicKey"`
}

func (self registrationRequest) Check() error {
	if "" == self.PublicKey {
		return newError("empty publicKey")
	}
	return nil
}

type challengeRequest struct {
	Id       string `json:"id"`
	Register bool   `json:"register"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

func (self challengeResponse) Check() error {
	_, err := self.ciphertext()
	return err
}

func (self challengeResponse) ciphertext() ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(self.Challenge)
	if nil != err {
		return nil, wrapError(err, "invalid challenge encoding")
	}
	if 0 == len(ct) {
		return nil, newError("empty challenge")
	}
	return ct, nil
}

type unlockRequest struct {
	Id     string `json:"id"`
	Answer string `json:"answer"`
}

type unlockResponse struct {
	Name string `json:"name"`
}

type registerRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Answer    string `json:"answer"`
}

func (self registerRequest) Check() error {
	if "" == self.Name {
		return newError("empty name")
	}
	if "" == self.PublicKey {
		return newError("empty publicKey")
	}
	return nil
}

type deleteRequest struct {
	Id       string `json:"id"`
	DeleteId string `json:"deleteId"`
	Answer   string `json:"answer"`
}

type setNameRequest struct {
	Id     string `json:"id"`
	NameId string `json:"nameId"`
	Name   string `json:"name"`
	Answer string `json:"answer"`
}

func (self setNameRequest) Check() error {
	if "" == self.Name {
		return newError("empty name")
	}
	return nil
}

type setAdminRequest struct {
	Id      string `json:"id"`
	AdminId string `json:"adminId"`
	Status  bool   `json:"status"`
	Answer  string `json:"answer"`
}

type keysRequest struct {
	Id     string `json:"id"`
	Answer string `json:"answer"`
}

type keysResponse struct {
	Keys []KeyInfo `json:"keys"`
}

func (self keysResponse) Check() error {
	for i, key := range self.Keys {
		err := key.Check()
		if nil != err {
			return wrapError(err, "invalid key #%d", i)
		}
	}
	return nil
}

type errorResponse struct {
	Message string `json:"message"`
}
