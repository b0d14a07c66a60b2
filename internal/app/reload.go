package app

import (
	"context"
	"strings"
	"time"

	"crosspost/internal/channels/telegram"
	"crosspost/internal/config"
	logx "crosspost/pkg/logx"
)

// reloadLoop applies hot-reloaded config to the live components. Sections
// that are only read at build time are reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if config.RequiresRestart(sections) {
		a.log.Warn("config sections changed that only apply after a restart", logx.String("changed", strings.Join(sections, ",")))
	}

	if prev == nil || prev.Alerts != next.Alerts {
		a.applyAlerts(next)
	}
	a.logs.Apply(mapLogConfig(next))

	if srvCfg, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, srvCfg)
	}

	if ccfg, _, err := mapConsumerConfig(next); err != nil {
		a.log.Warn("invalid consumer config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.consumer.Enabled()
		a.consumer.Apply(ccfg)
		switch {
		case wasEnabled && !ccfg.Enabled:
			a.log.Info("consumer disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.consumer.Stop(stopCtx)
			cancel()
		case !wasEnabled && ccfg.Enabled:
			a.log.Info("consumer enabled via config")
			a.consumer.Start(ctx)
		}
	}

	if mcfg, err := mapMaintenanceConfig(next); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(ctx, mcfg); err != nil {
		a.log.Warn("maintenance reload failed", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

// applyAlerts swaps the alert sink. The bot is rebuilt because the token,
// chat or API URL may have changed.
func (a *App) applyAlerts(cfg *config.Config) {
	if !cfg.Alerts.Enabled {
		a.logs.SetAlertSender(nil)
		return
	}
	al, err := telegram.NewAlerts(cfg.Alerts.APIURL, cfg.Alerts.BotToken, cfg.Alerts.ChatID)
	if err != nil {
		a.log.Warn("alerts sender rebuild failed; alerts paused", logx.Err(err))
		a.logs.SetAlertSender(nil)
		return
	}
	a.logs.SetAlertSender(al)
}
