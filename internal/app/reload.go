package app

import (
	"context"
	"strings"

	"tweetfwd/internal/config"
	logx "tweetfwd/pkg/logx"
)

// reloadLoop applies hot-reloadable sections of every committed config.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case config.SectionLogging:
			a.logs.Apply(mapLoggingConfig(newCfg))
		case config.SectionStatus:
			a.status.Reconfigure(a.sup.Context(), mapStatusConfig(newCfg))
		case config.SectionDelivery:
			a.notif.Apply(mapNotifierConfig(newCfg))
		case config.SectionMaintenance:
			a.sched.Apply(mapSchedulerConfig(newCfg))
			if a.maint != nil {
				if err := a.maint.Apply(mapMaintenanceConfig(newCfg)); err != nil {
					a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
				}
			}
		default:
			if config.RequiresRestart(s) {
				a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
			}
		}
	}
	// The log sink target lives in the telegram section.
	if hasSection(sections, config.SectionTelegram) && !hasSection(sections, config.SectionLogging) {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	a.log.Info("config reloaded", fields...)
}

func hasSection(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}
