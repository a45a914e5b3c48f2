package kv

import "github.com/vmihailenco/msgpack/v5"

// Encode serializes v into the self-describing binary encoding used for
// every record stored through a Store. msgpack carries its own type tags,
// so a decoder needs no external schema to reconstruct v's shape.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode reverses Encode into the struct pointed to by v.
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// PutRecord encodes v and stores it under key.
func PutRecord(s Store, key string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// GetRecord fetches key and decodes it into v. found is false if the key
// does not exist, in which case v is left untouched.
func GetRecord(s Store, key string, v any) (bool, error) {
	data, found, err := s.Get(key)
	if err != nil || !found {
		return found, err
	}
	return true, Decode(data, v)
}
