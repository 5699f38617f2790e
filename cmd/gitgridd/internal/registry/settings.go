package registry

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	format "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
)

const (
	settingsSection     = "gitgrid"
	customFieldsSection = "customFields"

	keyDescription          = "description"
	keyOwner                = "owner"
	keyAccessRestriction    = "accessRestriction"
	keyAuthorizationControl = "authorizationControl"
	keyFederationStrategy   = "federationStrategy"
	keyFederationSets       = "federationSets"
	keyOrigin               = "originRepository"
	keyFrozen               = "isFrozen"
	keyAllowForks           = "allowForks"
	keyPreReceive           = "preReceiveScript"
	keyPostReceive          = "postReceiveScript"
	keyIndexBranch          = "indexBranch"
	keyGCThreshold          = "gcThreshold"
	keyGCPeriod             = "gcPeriod"
	keyLastGC               = "lastGC"
	keySkipSize             = "skipSizeCalculation"
)

var customFieldKey = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)

// Defaults supply values for settings absent from a repository's config.
type Defaults struct {
	AccessRestriction    access.Restriction
	AuthorizationControl access.AuthorizationControl
	FederationStrategy   FederationStrategy
	GCThreshold          string
	GCPeriod             time.Duration
	AllowForks           bool
}

// DefaultsFromConfig parses the process-level repository defaults.
func DefaultsFromConfig(cfg config.RepositoryDefaults) (Defaults, error) {
	restriction, err := access.ParseRestriction(cfg.AccessRestriction, access.RestrictionPush)
	if err != nil {
		return Defaults{}, err
	}
	control, err := access.ParseAuthorizationControl(cfg.AuthorizationControl, access.ControlNamed)
	if err != nil {
		return Defaults{}, err
	}
	strategy, err := ParseFederationStrategy(cfg.FederationStrategy, FederationFederateThis)
	if err != nil {
		return Defaults{}, err
	}
	d := Defaults{
		AccessRestriction:    restriction,
		AuthorizationControl: control,
		FederationStrategy:   strategy,
		GCThreshold:          cfg.GCThreshold,
		GCPeriod:             cfg.GCPeriod,
		AllowForks:           cfg.AllowForks,
	}
	if d.GCThreshold == "" {
		d.GCThreshold = "500k"
	}
	if d.GCPeriod <= 0 {
		d.GCPeriod = 7 * 24 * time.Hour
	}
	return d, nil
}

// apply fills the settings fields of d from defaults.
func (def Defaults) apply(d *Descriptor) {
	d.AccessRestriction = def.AccessRestriction
	d.AuthorizationControl = def.AuthorizationControl
	d.FederationStrategy = def.FederationStrategy
	d.GCThreshold = def.GCThreshold
	d.GCPeriod = def.GCPeriod
	d.AllowForks = def.AllowForks
}

// readSettings fills the settings fields of d from the [gitgrid] section.
// Unparseable values keep their default and are reported together.
func readSettings(raw *format.Config, def Defaults, d *Descriptor) error {
	def.apply(d)
	if raw == nil || !raw.HasSection(settingsSection) {
		return nil
	}
	sec := raw.Section(settingsSection)
	var problems []error

	d.Description = sec.Option(keyDescription)
	d.Owners = readList(sec, keyOwner, true)
	d.FederationSets = readList(sec, keyFederationSets, false)
	d.PreReceiveScripts = readList(sec, keyPreReceive, false)
	d.PostReceiveScripts = readList(sec, keyPostReceive, false)
	d.IndexedBranches = readList(sec, keyIndexBranch, false)
	d.Origin = access.NormalizeName(sec.Option(keyOrigin))

	if sec.HasOption(keyAccessRestriction) {
		v, err := access.ParseRestriction(sec.Option(keyAccessRestriction), def.AccessRestriction)
		problems = append(problems, err)
		d.AccessRestriction = v
	}
	if sec.HasOption(keyAuthorizationControl) {
		v, err := access.ParseAuthorizationControl(sec.Option(keyAuthorizationControl), def.AuthorizationControl)
		problems = append(problems, err)
		d.AuthorizationControl = v
	}
	if sec.HasOption(keyFederationStrategy) {
		v, err := ParseFederationStrategy(sec.Option(keyFederationStrategy), def.FederationStrategy)
		problems = append(problems, err)
		d.FederationStrategy = v
	}
	d.Frozen = readBool(sec, keyFrozen, false, &problems)
	d.AllowForks = readBool(sec, keyAllowForks, def.AllowForks, &problems)
	d.SkipSizeCalculation = readBool(sec, keySkipSize, false, &problems)

	if v := sec.Option(keyGCThreshold); v != "" {
		d.GCThreshold = v
	}
	if v := sec.Option(keyGCPeriod); v != "" {
		period, err := parsePeriod(v)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", keyGCPeriod, err))
		} else {
			d.GCPeriod = period
		}
	}
	if v := sec.Option(keyLastGC); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", keyLastGC, err))
		} else {
			d.LastGC = ts.UTC()
		}
	}

	if sec.HasSubsection(customFieldsSection) {
		sub := sec.Subsection(customFieldsSection)
		d.CustomFields = make(map[string]string, len(sub.Options))
		for _, opt := range sub.Options {
			d.CustomFields[opt.Key] = opt.Value
		}
	}
	return errors.Join(problems...)
}

// writeSettings replaces the [gitgrid] section with d's settings. Values equal
// to their default are left out.
func writeSettings(raw *format.Config, def Defaults, d *Descriptor) error {
	for key := range d.CustomFields {
		if !customFieldKey.MatchString(key) {
			return fmt.Errorf("invalid custom field name %q", key)
		}
	}

	raw.RemoveSection(settingsSection)
	sec := func() *format.Section { return raw.Section(settingsSection) }

	if d.Description != "" {
		sec().AddOption(keyDescription, d.Description)
	}
	writeList(raw, keyOwner, lowerAll(d.Owners))
	if d.AccessRestriction != def.AccessRestriction {
		sec().AddOption(keyAccessRestriction, d.AccessRestriction.String())
	}
	if d.AuthorizationControl != def.AuthorizationControl {
		sec().AddOption(keyAuthorizationControl, d.AuthorizationControl.String())
	}
	if d.FederationStrategy != "" && d.FederationStrategy != def.FederationStrategy {
		sec().AddOption(keyFederationStrategy, string(d.FederationStrategy))
	}
	writeList(raw, keyFederationSets, d.FederationSets)
	if d.Origin != "" {
		sec().AddOption(keyOrigin, d.Origin)
	}
	if d.Frozen {
		sec().AddOption(keyFrozen, "true")
	}
	if d.AllowForks != def.AllowForks {
		sec().AddOption(keyAllowForks, strconv.FormatBool(d.AllowForks))
	}
	writeList(raw, keyPreReceive, d.PreReceiveScripts)
	writeList(raw, keyPostReceive, d.PostReceiveScripts)
	writeList(raw, keyIndexBranch, d.IndexedBranches)
	if d.GCThreshold != "" && d.GCThreshold != def.GCThreshold {
		sec().AddOption(keyGCThreshold, d.GCThreshold)
	}
	if d.GCPeriod > 0 && d.GCPeriod != def.GCPeriod {
		sec().AddOption(keyGCPeriod, formatPeriod(d.GCPeriod))
	}
	if !d.LastGC.IsZero() {
		sec().AddOption(keyLastGC, d.LastGC.UTC().Format(time.RFC3339))
	}
	if d.SkipSizeCalculation {
		sec().AddOption(keySkipSize, "true")
	}
	if d.CustomFields != nil {
		sub := sec().Subsection(customFieldsSection)
		for _, key := range sortedKeys(d.CustomFields) {
			sub.AddOption(key, d.CustomFields[key])
		}
	}
	return nil
}

// readList distinguishes an absent key (nil) from a key present with an
// empty value (empty, non-nil).
func readList(sec *format.Section, key string, lower bool) []string {
	if !sec.HasOption(key) {
		return nil
	}
	out := []string{}
	for _, v := range sec.OptionAll(key) {
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if lower {
				item = strings.ToLower(item)
			}
			out = append(out, item)
		}
	}
	return out
}

func writeList(raw *format.Config, key string, values []string) {
	if values == nil {
		return
	}
	sec := raw.Section(settingsSection)
	if len(values) == 0 {
		sec.AddOption(key, "")
		return
	}
	for _, v := range values {
		sec.AddOption(key, v)
	}
}

func readBool(sec *format.Section, key string, def bool, problems *[]error) bool {
	if !sec.HasOption(key) {
		return def
	}
	v := strings.TrimSpace(sec.Option(key))
	if v == "" {
		// a bare key is true in git config
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*problems = append(*problems, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// parsePeriod reads a whole number of days or a Go duration.
func parsePeriod(v string) (time.Duration, error) {
	if days, err := strconv.Atoi(v); err == nil {
		if days <= 0 {
			return 0, fmt.Errorf("period must be positive, got %d", days)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

func formatPeriod(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return strconv.Itoa(int(d / (24 * time.Hour)))
	}
	return d.String()
}

// ParseByteSize parses thresholds such as "500k", "2m" or "1g".
func ParseByteSize(v string) (int64, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return 0, nil
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return n * mult, nil
}

func lowerAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
