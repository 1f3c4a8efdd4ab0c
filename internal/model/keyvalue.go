package model

import "strconv"

// KeyValueDataType namespaces durable counter keys.
type KeyValueDataType string

const (
	// KeyValueDataTypeRegistrationRedirectCount tracks how many redirects a
	// registration chain has consumed.
	KeyValueDataTypeRegistrationRedirectCount KeyValueDataType = "REGISTRATION_REDIRECT_COUNT"
)

// KeyValueData is a durable (type, key) → value record. The value is a
// string; typed accessors interpret it.
type KeyValueData struct {
	DataType KeyValueDataType
	Key      string
	Value    string
}

// RegistrationRedirectCount interprets the value as a redirect count.
// An unset or unparseable value counts as 1: the initial registration in the
// chain always consumes the first slot.
func (k *KeyValueData) RegistrationRedirectCount() int {
	if k.Value == "" {
		return 1
	}
	n, err := strconv.Atoi(k.Value)
	if err != nil {
		return 1
	}
	return n
}

// SetRegistrationRedirectCount stores a redirect count.
func (k *KeyValueData) SetRegistrationRedirectCount(n int) {
	k.Value = strconv.Itoa(n)
}
