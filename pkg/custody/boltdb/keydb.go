// Package boltdb provides a persistent custody.KeyStore that keeps data in a file.
//
// The same file also holds the gate.Enrollment of the device.
package boltdb

import (
	"crypto"
	"time"

	bolt "go.etcd.io/bbolt"
	_ "golang.org/x/crypto/blake2s"

	"github.com/Jyppino/DoorPi-App/internal/transport"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/gate"
)

const (
	connectTimeout = 5 * time.Second
	hashAlgo       = crypto.BLAKE2s_256
)

var (
	keyTblName  = []byte("keyTbl")
	gateTblName = []byte("gateTbl")

	enrollmentKey = []byte("enrollment")
)

// KeyStore persists custody.KeyRecord & gate.Enrollment in a single file boltdb database.
type KeyStore struct {
	dbpath string
	srz    transport.Serializer
}

// New returns a KeyStore that persists data in the dbpath boltdb database.
// It errors if the database schema can not be created.
func New(dbpath string) (*KeyStore, error) {
	keyStore := &KeyStore{
		dbpath: dbpath,
		srz:    transport.WrapInSafeSerializer(transport.CBORSerializer{}),
	}

	db, err := keyStore.open()
	if nil != err {
		return nil, err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		var err error
		for _, bucketname := range [][]byte{keyTblName, gateTblName} {
			_, err = tx.CreateBucketIfNotExists(bucketname)
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}

		return nil
	})
	if nil != err {
		return nil, wrapError(err, "failed db initialization")
	}

	return keyStore, nil
}

// SaveKey saves rec in the KeyStore, replacing any record with the same ServerId.
func (self *KeyStore) SaveKey(rec custody.KeyRecord) error {
	srzrec, err := self.srz.Marshal(rec)
	if nil != err {
		return wrapError(err, "failed marshaling key record")
	}

	db, err := self.open()
	if nil != err {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}

		return wrapError(
			sch.keyTbl.Put(hash([]byte(rec.ServerId)), srzrec),
			"failed storing key record in bucket",
		)
	})

	return wrapError(err, "failed db.Update") // nil if err is nil
}

// LoadKey loads the KeyRecord of serverId into dst.
// It returns true if the KeyRecord was found and successfully loaded.
func (self *KeyStore) LoadKey(serverId string, dst *custody.KeyRecord) (bool, error) {
	db, err := self.open()
	if nil != err {
		return false, err
	}
	defer db.Close()

	var loaded bool
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loading schema")
		}

		srzrec := sch.keyTbl.Get(hash([]byte(serverId)))
		if nil == srzrec {
			return nil
		}
		err = self.srz.Unmarshal(srzrec, dst)
		if nil != err {
			return wrapError(err, "failed unmarshaling key record")
		}
		if serverId != dst.ServerId {
			return newError("key record ServerId mismatch")
		}
		loaded = true

		return nil
	})

	return loaded, err
}

// RemoveKey removes the KeyRecord of serverId from the KeyStore.
// It returns true if the KeyRecord was effectively removed.
func (self *KeyStore) RemoveKey(serverId string) (bool, error) {
	db, err := self.open()
	if nil != err {
		return false, err
	}
	defer db.Close()

	var removed bool
	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loading schema")
		}

		key := hash([]byte(serverId))
		if nil == sch.keyTbl.Get(key) {
			return nil
		}
		err = sch.keyTbl.Delete(key)
		if nil != err {
			// unlikely as keyTbl is writable
			return err
		}
		removed = true

		return nil
	})

	return removed, wrapError(err, "failed db.Update")
}

// KeyCount returns the number of KeyRecord in the KeyStore.
// It returns -1 in case of error.
func (self *KeyStore) KeyCount() int {
	db, err := self.open()
	if nil != err {
		return -1
	}
	defer db.Close()

	var count int
	err = db.View(func(tx *bolt.Tx) error {
		keyTbl := tx.Bucket(keyTblName)
		if nil == keyTbl {
			return newError("missing keyTbl bucket")
		}
		count = keyTbl.Stats().KeyN

		return nil
	})

	if nil == err {
		return count
	}

	return -1
}

// SaveEnrollment replaces the stored gate.Enrollment with e.
func (self *KeyStore) SaveEnrollment(e gate.Enrollment) error {
	srze, err := self.srz.Marshal(e)
	if nil != err {
		return wrapError(err, "failed marshaling enrollment")
	}

	db, err := self.open()
	if nil != err {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}

		return wrapError(
			sch.gateTbl.Put(enrollmentKey, srze),
			"failed storing enrollment in bucket",
		)
	})

	return wrapError(err, "failed db.Update") // nil if err is nil
}

// LoadEnrollment loads the stored gate.Enrollment into dst.
// It returns true if an Enrollment was found and successfully loaded.
func (self *KeyStore) LoadEnrollment(dst *gate.Enrollment) (bool, error) {
	db, err := self.open()
	if nil != err {
		return false, err
	}
	defer db.Close()

	var loaded bool
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loading schema")
		}

		srze := sch.gateTbl.Get(enrollmentKey)
		if nil == srze {
			return nil
		}
		err = self.srz.Unmarshal(srze, dst)
		if nil != err {
			return wrapError(err, "failed unmarshaling enrollment")
		}
		loaded = true

		return nil
	})

	return loaded, err
}

func (self *KeyStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}
	return db, nil
}

// schema holds KeyStore buckets reference
type schema struct {
	keyTbl  *bolt.Bucket
	gateTbl *bolt.Bucket
}

func loadSchema(tx *bolt.Tx) (schema, error) {
	rv := schema{
		keyTbl:  tx.Bucket(keyTblName),
		gateTbl: tx.Bucket(gateTblName),
	}
	var err error
	if nil == rv.keyTbl || nil == rv.gateTbl {
		err = newError("1 or more bucket is missing")
	}

	return rv, err
}

// hash returns data digest
//
// server identities are hashed to avoid leaking which servers the device knows.
func hash(data []byte) []byte {
	h := hashAlgo.New()
	h.Write(data)
	return h.Sum(nil)
}

var (
	_ custody.KeyStore     = &KeyStore{}
	_ gate.EnrollmentStore = &KeyStore{}
)
