// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/flowline/pkg/config"
)

// FromConfig builds a validator from the auth section. It returns nil when
// authentication is disabled.
func FromConfig(ctx context.Context, cfg *config.AuthConfig) (*Validator, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	v, err := NewValidator(ctx, Config{
		JWKSURL:         cfg.JWKSURL,
		Secret:          cfg.Secret,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, err
	}
	source := "secret"
	if cfg.JWKSURL != "" {
		source = cfg.JWKSURL
	}
	slog.Info("Authentication enabled", "keys", source, "issuer", cfg.Issuer)
	return v, nil
}
