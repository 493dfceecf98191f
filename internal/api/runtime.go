package api

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	"github.com/remiblancher/cmp-ca/internal/ca"
	"github.com/remiblancher/cmp-ca/internal/cmp"
	pkicrypto "github.com/remiblancher/cmp-ca/internal/crypto"
	"github.com/remiblancher/cmp-ca/internal/profile"
	"github.com/remiblancher/cmp-ca/internal/publish"
	"github.com/remiblancher/cmp-ca/internal/sched"
	"github.com/remiblancher/cmp-ca/internal/store"
	"github.com/remiblancher/cmp-ca/profiles"
)

// Runtime is the assembled daemon: store, CAs, responder and the
// periodic jobs.
type Runtime struct {
	Config    *Config
	CAs       map[string]*ca.CA // by alias
	Responder *cmp.Responder
	Logger    *zap.Logger

	store     store.CertStore
	scheduler *sched.Scheduler
	closers   []io.Closer
}

// BuildRuntime assembles everything from the configuration.
func BuildRuntime(cfg *Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		CAs:    make(map[string]*ca.CA),
		Logger: logger,
	}

	if cfg.AuditLog != "" {
		w, err := audit.NewFileWriter(cfg.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		audit.SetWriter(w)
		rt.closers = append(rt.closers, w)
	}

	certStore, err := openStore(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	rt.store = certStore
	if c, ok := certStore.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	registry := publish.NewRegistry()

	requestors := make([]*cmp.Requestor, 0, len(cfg.Requestors))
	for i := range cfg.Requestors {
		r, err := buildRequestor(&cfg.Requestors[i])
		if err != nil {
			rt.Close()
			return nil, err
		}
		requestors = append(requestors, r)
	}
	rt.Responder = cmp.NewResponder(cmp.NewAuthenticator(requestors...), logger)

	for i := range cfg.CAs {
		authority, err := buildCA(&cfg.CAs[i], certStore, registry, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.CAs[cfg.CAs[i].Alias] = authority
		rt.Responder.RegisterCA(cfg.CAs[i].Alias, authority)
	}

	return rt, nil
}

func openStore(cfg *StorageConfig) (store.CertStore, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite storage needs a dsn")
		}
		return store.OpenSQL(cfg.DSN)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func buildRequestor(rc *RequestorConfig) (*cmp.Requestor, error) {
	perms, err := ParsePermissions(rc.Permissions)
	if err != nil {
		return nil, fmt.Errorf("requestor %q: %w", rc.Name, err)
	}
	if rc.Certificate != "" {
		cert, err := loadCertificate(rc.Certificate)
		if err != nil {
			return nil, fmt.Errorf("requestor %q: %w", rc.Name, err)
		}
		return cmp.NewCertRequestor(rc.Name, cert, rc.RA, perms, rc.Profiles), nil
	}
	secret, err := rc.ResolveSecret()
	if err != nil {
		return nil, err
	}
	return cmp.NewRequestor(rc.Name, secret, rc.RA, perms, rc.Profiles), nil
}

func buildCA(cc *CAConfig, certStore store.CertStore, registry *publish.Registry, logger *zap.Logger) (*ca.CA, error) {
	cert, err := loadCertificate(cc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
	}

	var passphrase []byte
	if cc.KeyPassphraseEnv != "" {
		passphrase = []byte(os.Getenv(cc.KeyPassphraseEnv))
	}
	signer, err := pkicrypto.LoadSoftwareSigner(cc.Key, passphrase)
	if err != nil {
		return nil, fmt.Errorf("ca %q: failed to load key: %w", cc.Name, err)
	}

	var caProfiles map[string]*profile.Profile
	if cc.ProfilesDir != "" {
		caProfiles, err = profile.LoadDir(cc.ProfilesDir)
	} else {
		caProfiles, err = profile.LoadFS(profiles.FS)
	}
	if err != nil {
		return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
	}

	mode, err := cc.ParseValidityMode()
	if err != nil {
		return nil, err
	}
	perms, err := ParsePermissions(cc.Permissions)
	if err != nil {
		return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
	}
	holdReason, err := cc.ParseHoldReason()
	if err != nil {
		return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
	}
	crlCtl, err := cc.CRL.Control()
	if err != nil {
		return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
	}

	var pubs []publish.Publisher
	for _, pc := range cc.Publishers {
		pub, err := registry.New(pc.Type, pc.Name, pc.Options)
		if err != nil {
			return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
		}
		pubs = append(pubs, pub)
	}

	opts := []ca.Option{
		ca.WithLogger(logger.With(zap.String("ca", cc.Name))),
		ca.WithPublishers(pubs...),
		ca.WithMasterRole(cc.Master),
	}

	if cc.CRLCertificate != "" && cc.CRLKey != "" {
		crlCert, err := loadCertificate(cc.CRLCertificate)
		if err != nil {
			return nil, fmt.Errorf("ca %q: %w", cc.Name, err)
		}
		crlSigner, err := pkicrypto.LoadSoftwareSigner(cc.CRLKey, passphrase)
		if err != nil {
			return nil, fmt.Errorf("ca %q: failed to load CRL key: %w", cc.Name, err)
		}
		opts = append(opts, ca.WithCRLSigner(crlSigner, crlCert))
	}

	return ca.New(ca.Config{
		Name:                   cc.Name,
		ValidityMode:           mode,
		MaxValidity:            cc.MaxValidity,
		AllowDuplicateKeys:     cc.AllowDuplicateKeys,
		AllowDuplicateSubjects: cc.AllowDuplicateSubjects,
		Permissions:            perms,
		KeepExpiredDays:        cc.KeepExpired(),
		HoldThreshold:          cc.HoldThreshold,
		HoldTargetReason:       holdReason,
		ConfirmWait:            cc.ConfirmWait,
		CRL:                    crlCtl,
	}, cert, signer, certStore, caProfiles, opts...)
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// StartJobs launches the periodic jobs: the CRL tick, the publish-queue
// sweep, the pending-confirmation sweep, the hold sweep and the expiry
// purge. Offsets stagger the jobs so startup does not fire everything
// at once.
func (rt *Runtime) StartJobs() {
	rt.scheduler = sched.New(rt.Logger)

	rt.scheduler.Every("pending-sweep", 10*time.Minute, 30*time.Second, rt.Responder.SweepPending)

	i := 0
	for _, authority := range rt.CAs {
		authority := authority
		offset := time.Duration(i) * 7 * time.Second
		rt.scheduler.Every("crl-tick", time.Minute, offset, authority.CRLTick)
		rt.scheduler.Every("publish-sweep", 10*time.Minute, time.Minute+offset, authority.SweepPublishQueue)
		rt.scheduler.Every("hold-sweep", time.Hour, 2*time.Minute+offset, authority.SweepHeld)
		rt.scheduler.Every("expiry-purge", 24*time.Hour, 5*time.Minute+offset, authority.SweepExpired)
		i++
	}
}

// Close stops the jobs and releases resources in reverse order.
func (rt *Runtime) Close() {
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i].Close()
	}
}
