package rbac

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/warden-sec/warden/internal/shared"
)

// EvaluateConditions runs every configured gate on a conditional permission
// and returns nil when all pass. The first failing category wins and its
// error wraps shared.ErrConditionNotMet with a human-readable reason.
func EvaluateConditions(cp ConditionalPermission, at time.Time, access AccessContext) error {
	if cp.Time != nil {
		if err := EvaluateTime(*cp.Time, at); err != nil {
			return err
		}
	}
	if cp.IP != nil {
		if err := EvaluateIP(*cp.IP, access.ClientIP); err != nil {
			return err
		}
	}
	if cp.Device != nil {
		if err := EvaluateDevice(*cp.Device, access); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateTime checks the instant against the window, weekday, and hour
// gates, interpreted in the condition's timezone.
func EvaluateTime(c TimeCondition, at time.Time) error {
	local := at.In(c.Location())
	if c.StartTime != nil && local.Before(*c.StartTime) {
		return fmt.Errorf("time condition: before start: %w", shared.ErrConditionNotMet)
	}
	if c.EndTime != nil && local.After(*c.EndTime) {
		return fmt.Errorf("time condition: after end: %w", shared.ErrConditionNotMet)
	}
	if len(c.DaysOfWeek) > 0 && !slices.Contains(c.DaysOfWeek, int(local.Weekday())) {
		return fmt.Errorf("time condition: day not allowed: %w", shared.ErrConditionNotMet)
	}
	if len(c.HoursOfDay) > 0 && !slices.Contains(c.HoursOfDay, local.Hour()) {
		return fmt.Errorf("time condition: outside allowed hours: %w", shared.ErrConditionNotMet)
	}
	return nil
}

// EvaluateIP checks the client address. Block lists are consulted before
// allow lists, so a blocked address inside an allowed range still fails.
// An unparseable client address fails closed.
func EvaluateIP(c IPCondition, clientIP string) error {
	if clientIP == "" {
		return fmt.Errorf("ip condition: client address missing: %w", shared.ErrConditionNotMet)
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return fmt.Errorf("ip condition: unparseable address %q: %w", clientIP, shared.ErrConditionNotMet)
	}

	for _, raw := range c.BlockedIPs {
		if blocked, err := netip.ParseAddr(raw); err == nil && blocked == addr {
			return fmt.Errorf("ip condition: address blocked: %w", shared.ErrConditionNotMet)
		}
	}
	for _, raw := range c.BlockedCIDRs {
		if prefix, err := netip.ParsePrefix(raw); err == nil && prefix.Contains(addr) {
			return fmt.Errorf("ip condition: address in blocked range: %w", shared.ErrConditionNotMet)
		}
	}

	if len(c.AllowedIPs) == 0 && len(c.AllowedCIDRs) == 0 {
		return nil
	}
	for _, raw := range c.AllowedIPs {
		if allowed, err := netip.ParseAddr(raw); err == nil && allowed == addr {
			return nil
		}
	}
	for _, raw := range c.AllowedCIDRs {
		if prefix, err := netip.ParsePrefix(raw); err == nil && prefix.Contains(addr) {
			return nil
		}
	}
	return fmt.Errorf("ip condition: address not in allow list: %w", shared.ErrConditionNotMet)
}

// EvaluateDevice checks the user agent and device class gates. User-agent
// matching is substring based, mirroring common proxy configuration.
func EvaluateDevice(c DeviceCondition, access AccessContext) error {
	for _, fragment := range c.BlockedUserAgents {
		if fragment != "" && strings.Contains(access.UserAgent, fragment) {
			return fmt.Errorf("device condition: user agent blocked: %w", shared.ErrConditionNotMet)
		}
	}
	if len(c.AllowedUserAgents) > 0 {
		ok := false
		for _, fragment := range c.AllowedUserAgents {
			if fragment != "" && strings.Contains(access.UserAgent, fragment) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("device condition: user agent not allowed: %w", shared.ErrConditionNotMet)
		}
	}
	if len(c.AllowedDeviceTypes) > 0 && !slices.Contains(c.AllowedDeviceTypes, access.DeviceType) {
		return fmt.Errorf("device condition: device type not allowed: %w", shared.ErrConditionNotMet)
	}
	if c.RequireVerification && !access.DeviceVerified {
		return fmt.Errorf("device condition: device not verified: %w", shared.ErrConditionNotMet)
	}
	return nil
}
