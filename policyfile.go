// Copyright 2026 The Govern Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package govern

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// LoadPolicyFile reads a GovernorPolicy from path, falling back to
// DefaultGovernorPolicy on any error (missing file, malformed JSON, or
// failed validation) rather than propagating the failure to the caller.
func LoadPolicyFile(path string, gov *ResourceGovernor, log *logrus.Logger) GovernorPolicy {
	def := DefaultGovernorPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		if log != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("policy file unreadable, using defaults")
		}
		return def
	}

	var p GovernorPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		if log != nil {
			log.WithError(err).WithField("path", path).Warn("policy file malformed, using defaults")
		}
		return def
	}

	result := gov.ValidateAndUpdate(p)
	if !result.Success {
		if log != nil {
			log.WithField("path", path).WithField("errors", result.Errors).Warn("policy file failed validation, using defaults")
		}
		gov.ValidateAndUpdate(def)
		return def
	}
	return result.EffectivePolicy
}

// SavePolicyFile marshals p as JSON and writes it atomically: a
// temp-file in the same directory is written and fsynced, then renamed
// over the destination so a reader never observes a partial write.
func SavePolicyFile(path string, p GovernorPolicy) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	dir, derr := os.Open(filepath.Dir(path))
	if derr == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
