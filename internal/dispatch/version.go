package dispatch

import (
	"context"
	"log/slog"
	"maps"
	"net/url"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// DefaultReleaseGroup is used for hosts that report no release group.
const DefaultReleaseGroup = "production"

// VersionPolicy holds the update settings that can change while running.
type VersionPolicy struct {
	DownloadBaseURL string
	DefaultGroup    string

	minimum atomic.Pointer[map[string]string]
}

// NewVersionPolicy creates a policy with the given fallback minimum
// versions keyed by release group.
func NewVersionPolicy(downloadBaseURL, defaultGroup string, minimum map[string]string) *VersionPolicy {
	if defaultGroup == "" {
		defaultGroup = DefaultReleaseGroup
	}
	v := &VersionPolicy{DownloadBaseURL: downloadBaseURL, DefaultGroup: defaultGroup}
	v.SetMinimumVersions(minimum)
	return v
}

// SetMinimumVersions replaces the fallback minimum versions.
func (v *VersionPolicy) SetMinimumVersions(m map[string]string) {
	c := maps.Clone(m)
	if c == nil {
		c = map[string]string{}
	}
	v.minimum.Store(&c)
}

// MinimumVersion returns the fallback minimum version for a group.
func (v *VersionPolicy) MinimumVersion(group string) string {
	return (*v.minimum.Load())[group]
}

// VersionCheck tells outdated desktop hosts to update.
type VersionCheck struct {
	store  store.Store
	policy *VersionPolicy
	bus    *events.Bus
	logger *slog.Logger
}

func NewVersionCheck(s store.Store, policy *VersionPolicy, bus *events.Bus, logger *slog.Logger) *VersionCheck {
	return &VersionCheck{store: s, policy: policy, bus: bus, logger: logger.With("component", "versioncheck")}
}

// Check compares the host's version with the active release of its group,
// or with the configured minimum when no release can be found, and queues
// an update-required command if the host is behind. The download URL ends
// in the host platform's segment, appended to the release's own URL when
// it has one. Mobile hosts are not checked.
func (c *VersionCheck) Check(ctx context.Context, p store.Host, out *queue.Queue) {
	plat := protocol.LookupPlatform(p.OSName)
	if plat.Class != protocol.PlatformDesktop {
		return
	}
	current, err := semver.NewVersion(p.AppVersion)
	if err != nil {
		c.logger.Debug("host version not comparable", "host_id", p.ID, "version", p.AppVersion)
		return
	}

	group := p.ReleaseGroup
	if group == "" {
		group = c.policy.DefaultGroup
	}

	var wanted, download string
	rel, err := c.store.GetActiveRelease(ctx, group)
	switch {
	case err != nil:
		c.logger.Warn("release lookup failed, using configured minimum", "group", group, "error", err)
		wanted = c.policy.MinimumVersion(group)
	case rel == nil:
		wanted = c.policy.MinimumVersion(group)
	default:
		wanted, download = rel.Version, rel.DownloadURL
	}
	if wanted == "" {
		return
	}
	target, err := semver.NewVersion(wanted)
	if err != nil {
		c.logger.Warn("invalid release version", "group", group, "version", wanted)
		return
	}
	if !current.LessThan(target) {
		return
	}

	if download == "" {
		download = c.downloadURL(group, target.String(), plat.Segment)
	} else {
		download = joinURL(download, plat.Segment)
	}
	update := &protocol.UpdateRequired{Channel: group, Version: target.String(), DownloadURL: download}
	out.Push(protocol.MustCommand(update, "", ""))
	c.bus.PublishData(events.Event{Type: events.HostUpdateNeeded, AccountID: p.AccountID, HostID: p.ID}, update)
	c.logger.Info("host update required", "host_id", p.ID, "current", current.String(), "target", target.String())
}

func (c *VersionCheck) downloadURL(group, version, segment string) string {
	if c.policy.DownloadBaseURL == "" {
		return ""
	}
	return joinURL(c.policy.DownloadBaseURL, group, version, segment)
}

// joinURL appends path segments to base, or returns "" if base does not
// parse.
func joinURL(base string, elem ...string) string {
	u, err := url.JoinPath(base, elem...)
	if err != nil {
		return ""
	}
	return u
}
