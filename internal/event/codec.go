package event

import "github.com/bytedance/sonic"

var codec = sonic.ConfigStd

// Marshal encodes v with the standard-compatible sonic configuration.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}
