package internaldefs

import (
	"strconv"
	"strings"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   careAuth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported latency histogram.
type HistogramDef struct {
	ID   careAuth.MetricID
	Name string
	Help string
}

// CounterDefs lists every engine counter in export order.
var CounterDefs = []CounterDef{
	{ID: careAuth.MetricLoginSuccess, Name: "careauth_login_success_total", Help: "Logins that issued a session."},
	{ID: careAuth.MetricLoginFailure, Name: "careauth_login_failure_total", Help: "Rejected credential submissions and failed challenges."},
	{ID: careAuth.MetricLoginRateLimited, Name: "careauth_login_rate_limited_total", Help: "Credential submissions refused by the login budget."},
	{ID: careAuth.MetricPasskeySetupRequired, Name: "careauth_passkey_setup_required_total", Help: "Logins routed to passkey setup."},
	{ID: careAuth.MetricChallengeIssued, Name: "careauth_challenge_issued_total", Help: "Passkey challenges issued."},
	{ID: careAuth.MetricCloneDetected, Name: "careauth_clone_detected_total", Help: "Assertions whose signature counter did not advance."},
	{ID: careAuth.MetricPasskeyRegistered, Name: "careauth_passkey_registered_total", Help: "Passkeys registered."},
	{ID: careAuth.MetricPasskeyDeleted, Name: "careauth_passkey_deleted_total", Help: "Passkeys deleted by their owner."},
	{ID: careAuth.MetricBackupCodeUsed, Name: "careauth_backup_code_used_total", Help: "Backup codes redeemed."},
	{ID: careAuth.MetricBackupCodeFailed, Name: "careauth_backup_code_failed_total", Help: "Rejected backup codes."},
	{ID: careAuth.MetricBackupCodeRegenerated, Name: "careauth_backup_code_regenerated_total", Help: "Backup code sets generated."},
	{ID: careAuth.MetricMfaReset, Name: "careauth_mfa_reset_total", Help: "Administrator MFA resets."},
	{ID: careAuth.MetricInvitationCreated, Name: "careauth_invitation_created_total", Help: "Invitations created or rotated."},
	{ID: careAuth.MetricInvitationAccepted, Name: "careauth_invitation_accepted_total", Help: "Invitations accepted."},
	{ID: careAuth.MetricOnboardingCompleted, Name: "careauth_onboarding_completed_total", Help: "Accounts that finished onboarding."},
	{ID: careAuth.MetricAccessAllowed, Name: "careauth_access_allowed_total", Help: "Gate decisions that allowed the request."},
	{ID: careAuth.MetricAccessDenied, Name: "careauth_access_denied_total", Help: "Gate decisions that denied the request."},
	{ID: careAuth.MetricAccessUnauthenticated, Name: "careauth_access_unauthenticated_total", Help: "Gate requests without a valid session."},
	{ID: careAuth.MetricSessionCreated, Name: "careauth_session_created_total", Help: "Sessions issued."},
	{ID: careAuth.MetricSessionInvalidated, Name: "careauth_session_invalidated_total", Help: "Sessions ended."},
	{ID: careAuth.MetricLogout, Name: "careauth_logout_total", Help: "Single-session logouts."},
	{ID: careAuth.MetricLogoutAll, Name: "careauth_logout_all_total", Help: "Logout-all operations."},
	{ID: careAuth.MetricNotificationFailed, Name: "careauth_notification_failed_total", Help: "Notices the notifier failed to deliver."},
}

// HistogramDefs lists every latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: careAuth.MetricValidateLatency, Name: "careauth_validate_latency_seconds", Help: "Session validation latency."},
}

// HistogramBounds renders careAuth.LatencyBuckets in seconds, ending with
// "+Inf" for the overflow bucket.
var HistogramBounds = boundLabels(func(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}, "+Inf")

// HistogramBoundSuffix renders the same bounds as metric-name suffixes.
var HistogramBoundSuffix = boundLabels(func(d time.Duration) string {
	return strings.ReplaceAll(strconv.FormatFloat(d.Seconds(), 'f', -1, 64), ".", "_")
}, "inf")

func boundLabels(format func(time.Duration) string, overflow string) []string {
	out := make([]string, 0, careAuth.LatencyBucketCount)
	for _, b := range careAuth.LatencyBuckets {
		out = append(out, format(b))
	}
	return append(out, overflow)
}

// NormalizeBuckets copies raw into a fixed-size bucket array.
func NormalizeBuckets(raw []uint64) [careAuth.LatencyBucketCount]uint64 {
	var out [careAuth.LatencyBucketCount]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [careAuth.LatencyBucketCount]uint64) [careAuth.LatencyBucketCount]uint64 {
	var out [careAuth.LatencyBucketCount]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
