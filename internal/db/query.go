package db

import (
	"errors"
	"strings"

	"github.com/brusselsmonitor/monitor/internal/krypto"
)

// Query builds SQL queries with bind parameters. Unsafe writes literal
// SQL, the Param variants add bind parameters. The result is retrieved
// with Get.
//
// The zero value is ready to use.
type Query struct {
	Encryptor     *krypto.Encryptor
	BlindIndexKey krypto.Key
	b             strings.Builder
	params        []any
	err           error
}

// Unsafe writes a non-parameterized part of a query.
func (q *Query) Unsafe(s string) {
	q.b.WriteString(s)
}

// Param writes a parameterized part of a query.
func (q *Query) Param(v any) {
	q.b.WriteString("?")
	q.params = append(q.params, v)
}

// ParamEncrypted encrypts the value before adding it as a parameter.
func (q *Query) ParamEncrypted(d []byte) {
	if q.Encryptor == nil {
		q.err = errors.New("no encryptor set")
		return
	}

	enc, err := q.Encryptor.Encrypt(d)
	if err != nil {
		q.err = errors.Join(q.err, err)
		return
	}

	q.Param(enc)
}

// ParamBlindIndex adds a deterministic keyed hash of the value as a
// parameter, allowing equality lookups on encrypted columns. The blind
// indexes need to be rebuilt if the key or argon2 parameters change.
func (q *Query) ParamBlindIndex(d []byte) {
	hash, err := krypto.HashArgon2WithKey(d, q.BlindIndexKey)
	if err != nil {
		q.err = errors.Join(q.err, err)
		return
	}

	// the salt is the key, don't store it.
	hash.Salt = nil
	q.Param(hash.String())
}

// Params writes multiple parameterized parts separated by commas.
func (q *Query) Params(v ...any) {
	for i, p := range v {
		if i > 0 {
			q.b.WriteString(", ")
		}
		q.b.WriteString("?")
		q.params = append(q.params, p)
	}
}

// Get returns the constructed query and parameter values.
func (q *Query) Get() (string, []any, error) {
	return q.b.String(), q.params, q.err
}

// DecryptionTarget returns a value that decrypts while scanning.
func (q *Query) DecryptionTarget() *Decryptable {
	return &Decryptable{
		encryptor: q.Encryptor,
	}
}

type Decryptable struct {
	encryptor *krypto.Encryptor
	Data      []byte
}

func (d *Decryptable) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("invalid type")
	}

	data, err := d.encryptor.Decrypt(b)
	if err != nil {
		return err
	}

	d.Data = data

	return nil
}
