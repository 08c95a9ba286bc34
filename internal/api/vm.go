package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Recognized VM configuration keys. Only these keys are translated to
// hypervisor arguments; every other key is ignored.
const (
	KeyMemory               = "memory"
	KeyCPUCount             = "cpu_count"
	KeyVirtfsPath           = "virtfs_path"
	KeyInterfaces           = "interfaces"
	KeyDisplayMode          = "display_mode"
	KeyRemoteDiskImagePath  = "remote_disk_image_path"
	KeyLocalDiskImagePath   = "local_disk_image_path"
	KeyAdditionalDiskImages = "additional_disk_images"
)

var recognizedKeys = map[string]struct{}{
	KeyMemory:               {},
	KeyCPUCount:             {},
	KeyVirtfsPath:           {},
	KeyInterfaces:           {},
	KeyDisplayMode:          {},
	KeyRemoteDiskImagePath:  {},
	KeyLocalDiskImagePath:   {},
	KeyAdditionalDiskImages: {},
}

// VMConfiguration is one entry of a host's vms list.
type VMConfiguration struct {
	// Name only labels the VM in logs and reports.
	Name                 string          `json:"name,omitempty"`
	Memory               Scalar          `json:"memory,omitempty"`
	CPUCount             Scalar          `json:"cpu_count,omitempty"`
	VirtfsPath           string          `json:"virtfs_path,omitempty"`
	Interfaces           []InterfaceSpec `json:"interfaces,omitempty"`
	DisplayMode          string          `json:"display_mode,omitempty"`
	RemoteDiskImagePath  string          `json:"remote_disk_image_path"`
	LocalDiskImagePath   string          `json:"local_disk_image_path,omitempty"`
	AdditionalDiskImages []DiskImageSpec `json:"additional_disk_images,omitempty"`

	// Keys lists the recognized keys present in the document, in document order.
	Keys []string `json:"-"`
}

// Has reports whether key was present in the document.
func (c VMConfiguration) Has(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

func (c *VMConfiguration) UnmarshalJSON(data []byte) error {
	type plain VMConfiguration
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	keys, err := objectKeys(data)
	if err != nil {
		return err
	}

	*c = VMConfiguration(p)
	c.Keys = nil
	for _, k := range keys {
		if _, ok := recognizedKeys[k]; ok {
			c.Keys = append(c.Keys, k)
		}
	}
	return nil
}

// objectKeys returns the distinct top-level keys of a JSON object in the
// order they appear.
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("vm configuration must be a JSON object")
	}

	var keys []string
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in vm configuration", tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}

		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

// Scalar accepts a JSON string or number and keeps its textual form, so
// "4G" and 4096 are both valid memory values.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number, got %s", data)
	}
	*s = Scalar(n.String())
	return nil
}

func (s Scalar) String() string {
	return string(s)
}
