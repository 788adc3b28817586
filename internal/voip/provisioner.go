// Package voip provisions PBX extensions: allocation, key-value store
// sync, secret rotation and registration status.
package voip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
)

// PBXClient is the manager-interface surface the provisioner needs.
type PBXClient interface {
	DBPut(family, key, value string) error
	DBDelTree(family string) error
	Reload(module string) error
	SendCLI(command string) (string, error)
}

// Config tunes extension provisioning.
type Config struct {
	// StartFrom is the lowest extension number handed out. Default 1000.
	StartFrom int
	// Context is the dialplan context of new endpoints. Default
	// "from-internal".
	Context string
	// Transport is the default PJSIP transport. Default "transport-udp".
	Transport string
	// Codecs in preference order. Default opus, ulaw, alaw.
	Codecs []string
}

func (c *Config) applyDefaults() {
	if c.StartFrom <= 0 {
		c.StartFrom = 1000
	}
	if c.Context == "" {
		c.Context = "from-internal"
	}
	if c.Transport == "" {
		c.Transport = "transport-udp"
	}
	if len(c.Codecs) == 0 {
		c.Codecs = []string{"opus", "ulaw", "alaw"}
	}
}

// pjsipModule is the module reloaded after sorcery changes.
const pjsipModule = "res_pjsip.so"

// Status is the registration state of one extension.
type Status struct {
	Extension  string
	Registered bool
	Contact    string
	Detail     string
}

// Provisioner composes store allocation with PBX key-value sync. All PBX
// writes for one extension are serialized by a per-extension lock.
type Provisioner struct {
	store  database.VoIPExtensionRepository
	pbx    PBXClient
	logger *slog.Logger
	cfg    Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProvisioner creates a provisioner.
func NewProvisioner(store database.VoIPExtensionRepository, pbx PBXClient, logger *slog.Logger, cfg Config) *Provisioner {
	cfg.applyDefaults()
	return &Provisioner{
		store:  store,
		pbx:    pbx,
		logger: logger,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (p *Provisioner) lockFor(extension string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[extension]
	if !ok {
		l = &sync.Mutex{}
		p.locks[extension] = l
	}
	return l
}

// CreateOptions carries optional per-extension settings.
type CreateOptions struct {
	DisplayName string
	WebRTC      bool
}

// CreateExtension allocates the next free extension, persists it and
// pushes the endpoint, auth and AOR families to the PBX. A PBX sync
// failure does not fail the call: the row is kept with synced_to_pbx
// false and the error persisted for a later retry.
func (p *Provisioner) CreateExtension(ctx context.Context, userID int64, opts CreateOptions) (*models.VoIPExtension, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	codecs, _ := json.Marshal(p.cfg.Codecs)

	ext := &models.VoIPExtension{
		UserID:      userID,
		Secret:      secret,
		DisplayName: opts.DisplayName,
		Context:     p.cfg.Context,
		Transport:   p.cfg.Transport,
		Codecs:      string(codecs),
		Enabled:     true,
		WebRTC:      opts.WebRTC,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if opts.WebRTC {
		ext.Transport = "transport-wss"
	}
	if err := p.store.Allocate(ctx, ext, p.cfg.StartFrom); err != nil {
		return nil, fmt.Errorf("allocating extension: %w", err)
	}
	extension := ext.Extension

	l := p.lockFor(extension)
	l.Lock()
	defer l.Unlock()

	if err := p.syncToPBX(ext); err != nil {
		p.logger.Warn("extension created but not synced", "extension", extension, "error", err)
		ext.SyncedToPBX = false
		ext.PBXSyncError = err.Error()
		if stateErr := p.store.SetSyncState(ctx, extension, false, err.Error()); stateErr != nil {
			return nil, fmt.Errorf("recording sync failure for %s: %w", extension, stateErr)
		}
		return ext, nil
	}

	ext.SyncedToPBX = true
	if err := p.store.SetSyncState(ctx, extension, true, ""); err != nil {
		return nil, fmt.Errorf("recording sync state for %s: %w", extension, err)
	}
	p.logger.Info("extension provisioned", "extension", extension, "user_id", userID)
	return ext, nil
}

// Resync pushes an extension's PBX families again, clearing a previous
// sync error on success.
func (p *Provisioner) Resync(ctx context.Context, extension string) error {
	ext, err := p.store.GetByExtension(ctx, extension)
	if err != nil {
		return err
	}

	l := p.lockFor(extension)
	l.Lock()
	defer l.Unlock()

	if err := p.syncToPBX(ext); err != nil {
		p.store.SetSyncState(ctx, extension, false, err.Error())
		return fmt.Errorf("syncing extension %s: %w", extension, err)
	}
	return p.store.SetSyncState(ctx, extension, true, "")
}

// syncToPBX writes the sorcery triple and reloads pjsip. db_put is
// strict, the reload is tolerant.
func (p *Provisioner) syncToPBX(ext *models.VoIPExtension) error {
	var codecs []string
	if err := json.Unmarshal([]byte(ext.Codecs), &codecs); err != nil || len(codecs) == 0 {
		codecs = p.cfg.Codecs
	}

	endpoint := map[string]string{
		"context":   ext.Context,
		"disallow":  "all",
		"allow":     strings.Join(codecs, ","),
		"auth":      ext.Extension,
		"aors":      ext.Extension,
		"transport": ext.Transport,
		"callerid":  fmt.Sprintf("%s <%s>", ext.DisplayName, ext.Extension),
	}
	if ext.WebRTC {
		endpoint["webrtc"] = "yes"
	}
	auth := map[string]string{
		"auth_type": "userpass",
		"username":  ext.Extension,
		"password":  ext.Secret,
	}
	aor := map[string]string{
		"max_contacts":    "3",
		"remove_existing": "yes",
	}

	families := []struct {
		family string
		keys   map[string]string
	}{
		{"endpoint/" + ext.Extension, endpoint},
		{"auth/" + ext.Extension, auth},
		{"aor/" + ext.Extension, aor},
	}
	for _, f := range families {
		for key, value := range f.keys {
			if err := p.pbx.DBPut(f.family, key, value); err != nil {
				return fmt.Errorf("writing %s/%s: %w", f.family, key, err)
			}
		}
	}
	return p.pbx.Reload(pjsipModule)
}

// DeleteExtension removes the three PBX families and the store row.
// Family deletion is tolerant so a half-provisioned extension can still
// be cleaned up.
func (p *Provisioner) DeleteExtension(ctx context.Context, extension string) error {
	if _, err := p.store.GetByExtension(ctx, extension); err != nil {
		return err
	}

	l := p.lockFor(extension)
	l.Lock()
	defer l.Unlock()

	for _, family := range []string{"endpoint/" + extension, "auth/" + extension, "aor/" + extension} {
		if err := p.pbx.DBDelTree(family); err != nil {
			return fmt.Errorf("removing %s: %w", family, err)
		}
	}
	if err := p.pbx.Reload(pjsipModule); err != nil {
		return fmt.Errorf("reloading after delete of %s: %w", extension, err)
	}
	if err := p.store.Delete(ctx, extension); err != nil {
		return fmt.Errorf("deleting extension %s: %w", extension, err)
	}
	p.logger.Info("extension deleted", "extension", extension)
	return nil
}

// UpdateSecret rotates an extension's password on the PBX and in the
// store.
func (p *Provisioner) UpdateSecret(ctx context.Context, extension string) (string, error) {
	if _, err := p.store.GetByExtension(ctx, extension); err != nil {
		return "", err
	}

	secret, err := randomSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}

	l := p.lockFor(extension)
	l.Lock()
	defer l.Unlock()

	if err := p.pbx.DBPut("auth/"+extension, "password", secret); err != nil {
		return "", fmt.Errorf("writing new secret for %s: %w", extension, err)
	}
	if err := p.pbx.Reload(pjsipModule); err != nil {
		return "", fmt.Errorf("reloading after secret update: %w", err)
	}
	if err := p.store.UpdateSecret(ctx, extension, secret); err != nil {
		return "", fmt.Errorf("persisting new secret for %s: %w", extension, err)
	}
	return secret, nil
}

// GetStatus inspects the endpoint and reports whether a contact is
// registered.
func (p *Provisioner) GetStatus(ctx context.Context, extension string) (*Status, error) {
	if _, err := p.store.GetByExtension(ctx, extension); err != nil {
		return nil, err
	}

	output, err := p.pbx.SendCLI("pjsip show endpoint " + extension)
	if err != nil {
		return nil, fmt.Errorf("inspecting endpoint %s: %w", extension, err)
	}
	return parseEndpointStatus(extension, output), nil
}

// parseEndpointStatus extracts the first contact line of a pjsip show
// endpoint dump. No contact line means nothing is registered.
func parseEndpointStatus(extension, output string) *Status {
	status := &Status{Extension: extension}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "Contact:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(trimmed, "Contact:"))
		if len(fields) == 0 {
			continue
		}
		status.Contact = fields[0]
		status.Detail = trimmed
		for _, field := range fields[1:] {
			if field == "Avail" || field == "NonQual" {
				status.Registered = true
			}
		}
		break
	}
	return status
}

// randomSecret returns a 32-character hex secret.
func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
