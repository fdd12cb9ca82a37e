package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-sec/warden/internal/shared"
)

func TestEvaluateTimeHoursOfDay(t *testing.T) {
	cond := TimeCondition{HoursOfDay: []int{9, 10, 11, 12, 13, 14, 15, 16, 17}}

	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	require.NoError(t, EvaluateTime(cond, at))

	at = time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	require.ErrorIs(t, EvaluateTime(cond, at), shared.ErrConditionNotMet)
}

func TestEvaluateTimeTimezone(t *testing.T) {
	cond := TimeCondition{HoursOfDay: []int{9}, Timezone: "America/New_York"}

	// 14:00 UTC is 09:00 in New York (EST).
	at := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	require.NoError(t, EvaluateTime(cond, at))

	at = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	require.ErrorIs(t, EvaluateTime(cond, at), shared.ErrConditionNotMet)
}

func TestEvaluateTimeDaysOfWeek(t *testing.T) {
	weekdays := TimeCondition{DaysOfWeek: []int{1, 2, 3, 4, 5}}

	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, EvaluateTime(weekdays, monday))

	sunday := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.ErrorIs(t, EvaluateTime(weekdays, sunday), shared.ErrConditionNotMet)
}

func TestEvaluateTimeWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	cond := TimeCondition{StartTime: &start, EndTime: &end}

	require.NoError(t, EvaluateTime(cond, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
	require.ErrorIs(t, EvaluateTime(cond, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)), shared.ErrConditionNotMet)
	require.ErrorIs(t, EvaluateTime(cond, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)), shared.ErrConditionNotMet)
}

func TestEvaluateIPBlockBeforeAllow(t *testing.T) {
	cond := IPCondition{
		AllowedCIDRs: []string{"10.0.0.0/8"},
		BlockedIPs:   []string{"10.1.2.3"},
	}

	// Blocked wins even though the address sits inside the allowed range.
	require.ErrorIs(t, EvaluateIP(cond, "10.1.2.3"), shared.ErrConditionNotMet)
	require.NoError(t, EvaluateIP(cond, "10.1.2.4"))
	require.ErrorIs(t, EvaluateIP(cond, "192.168.1.1"), shared.ErrConditionNotMet)
}

func TestEvaluateIPBlockedCIDR(t *testing.T) {
	cond := IPCondition{BlockedCIDRs: []string{"172.16.0.0/12"}}
	require.ErrorIs(t, EvaluateIP(cond, "172.20.5.5"), shared.ErrConditionNotMet)
	require.NoError(t, EvaluateIP(cond, "8.8.8.8"))
}

func TestEvaluateIPFailsClosed(t *testing.T) {
	cond := IPCondition{AllowedIPs: []string{"10.0.0.1"}}
	require.ErrorIs(t, EvaluateIP(cond, ""), shared.ErrConditionNotMet)
	require.ErrorIs(t, EvaluateIP(cond, "not-an-ip"), shared.ErrConditionNotMet)
}

func TestEvaluateDevice(t *testing.T) {
	cond := DeviceCondition{
		BlockedUserAgents:  []string{"curl"},
		AllowedDeviceTypes: []string{"desktop", "mobile"},
	}

	ok := AccessContext{UserAgent: "Mozilla/5.0", DeviceType: "desktop"}
	require.NoError(t, EvaluateDevice(cond, ok))

	blocked := AccessContext{UserAgent: "curl/8.1", DeviceType: "desktop"}
	require.ErrorIs(t, EvaluateDevice(cond, blocked), shared.ErrConditionNotMet)

	wrongType := AccessContext{UserAgent: "Mozilla/5.0", DeviceType: "kiosk"}
	require.ErrorIs(t, EvaluateDevice(cond, wrongType), shared.ErrConditionNotMet)
}

func TestEvaluateDeviceRequiresVerification(t *testing.T) {
	cond := DeviceCondition{RequireVerification: true}
	require.ErrorIs(t, EvaluateDevice(cond, AccessContext{}), shared.ErrConditionNotMet)
	require.NoError(t, EvaluateDevice(cond, AccessContext{DeviceVerified: true}))
}

func TestConditionValidation(t *testing.T) {
	require.Error(t, TimeCondition{DaysOfWeek: []int{7}}.Validate())
	require.Error(t, TimeCondition{HoursOfDay: []int{24}}.Validate())
	require.Error(t, TimeCondition{Timezone: "Mars/Olympus"}.Validate())
	require.NoError(t, TimeCondition{Timezone: "Europe/Berlin"}.Validate())

	require.Error(t, IPCondition{AllowedIPs: []string{"999.1.1.1"}}.Validate())
	require.Error(t, IPCondition{BlockedCIDRs: []string{"10.0.0.0"}}.Validate())
	require.NoError(t, IPCondition{AllowedCIDRs: []string{"10.0.0.0/8"}}.Validate())
}
