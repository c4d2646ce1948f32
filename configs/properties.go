package configs

import (
	"fmt"
	"time"

	"github.com/magiconair/properties"
)

// LoadProperties overrides the package defaults from a .properties file.
// Millisecond-valued keys follow the *_ms convention. Unknown keys are
// ignored; non-positive values keep the default.
func LoadProperties(path string) error {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("load properties %s: %w", path, err)
	}
	ms := func(key string, dst *time.Duration) {
		if v := p.GetInt64(key, -1); v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	num := func(key string, dst *int) {
		if v := p.GetInt64(key, -1); v > 0 {
			*dst = int(v)
		}
	}

	ms("vote_window_ms", &VoteWindow)
	ms("reveal_start_ms", &RevealStart)
	ms("offline_threshold_ms", &OfflineThreshold)
	ms("grace_ms", &GracePeriod)
	ms("cooldown_ms", &Cooldown)
	ms("cooldown_retention_ms", &CooldownRetention)
	ms("orchestrator_interval_ms", &OrchestratorInterval)
	ms("guardian_interval_ms", &GuardianInterval)
	ms("heartbeat_cadence_ms", &HeartbeatCadence)
	ms("expand_stage1_ms", &ExpandStage1)
	ms("expand_stage2_ms", &ExpandStage2)
	ms("expand_stage3_extra_ms", &ExpandStage3Extra)
	ms("pair_lock_backoff_ms_initial", &PairLockBackoff)
	ms("pair_lock_backoff_ms_cap", &PairLockBackoffCap)

	num("pair_lock_retries", &PairLockRetries)
	num("tier_candidate_cap", &TierCandidateCap)
	num("tier_retry_cap", &TierRetryCap)
	num("cycle_attempt_cap", &CycleAttemptCap)
	num("tier_scan_cap", &TierScanCap)
	num("spin_rate_per_sec", &SpinPerSecond)
	num("spin_rate_per_min", &SpinPerMinute)
	num("max_connection_handler", &MaxConnectionHandler)

	if s, ok := p.Get("postgres_dsn"); ok {
		PostgresDSN = s
	}
	if s, ok := p.Get("mongo_uri"); ok {
		MongoDBLink = s
	}
	if s, ok := p.Get("listen_address"); ok {
		ListenAddress = s
	}
	if s, ok := p.Get("data_dir"); ok {
		DataDir = s
	}

	// The boost quantum is fixed at +10; a properties override would break
	// the accounting every compensation path relies on.
	if v := p.GetFloat64("fairness_boost_value", FairnessBoost); v != FairnessBoost {
		Warn(false, fmt.Sprintf("fairness_boost_value=%v ignored, boost is fixed at %v", v, FairnessBoost))
	}
	return nil
}
