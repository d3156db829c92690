package jobplan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML plan and validates it against the registered features
// KnownFields(true): 오타/미사용 필드는 즉시 실패
func Load(path string, features []string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, features)
}

// Parse decodes and validates a YAML plan
func Parse(data []byte, features []string) (*Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, err
	}

	if err := Validate(&plan, features); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Hash returns the SHA256 of the plan's canonical JSON
func Hash(plan *Plan) (string, error) {
	b, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
