package telemetry

import (
	"time"

	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// document is the stored form of a snapshot. The tenant is stamped by the
// store.
func document(telemetryID, agentVersion string, p *Payload, ingestedAt time.Time) storage.Document {
	events := make([]interface{}, 0, len(p.SecurityEvents))
	for _, ev := range p.SecurityEvents {
		events = append(events, map[string]interface{}{
			"event_id":     ev.EventID,
			"time_created": ev.TimeCreated,
			"level":        ev.Level,
			"message":      ev.Message,
			"source":       ev.Source,
			"user":         ev.User,
		})
	}
	processes := make([]interface{}, 0, len(p.ProcessInfo))
	for _, proc := range p.ProcessInfo {
		processes = append(processes, map[string]interface{}{
			"name":       proc.Name,
			"pid":        proc.PID,
			"cpu":        proc.CPU,
			"memory_mb":  proc.MemoryMB,
			"threads":    proc.Threads,
			"start_time": proc.StartTime,
			"path":       proc.Path,
		})
	}

	si := p.SystemInfo
	return storage.Document{
		"telemetry_id":  telemetryID,
		"agent_id":      p.AgentID,
		"hostname":      p.Hostname,
		"collected_at":  p.CollectedAt,
		"ingested_at":   ingestedAt,
		"agent_version": agentVersion,
		"system_info": map[string]interface{}{
			"hostname":        si.Hostname,
			"os_name":         si.OSName,
			"os_version":      si.OSVersion,
			"os_architecture": si.OSArchitecture,
			"manufacturer":    si.Manufacturer,
			"model":           si.Model,
			"bios_version":    si.BIOSVersion,
			"cpu_name":        si.CPUName,
			"cpu_cores":       si.CPUCores,
			"total_memory_gb": si.TotalMemoryGB,
			"domain":          si.Domain,
			"uptime_hours":    si.UptimeHours,
			"last_boot":       si.LastBoot,
			"agent_version":   si.AgentVersion,
			"collected_at":    si.CollectedAt,
		},
		"security_events": events,
		"process_info":    processes,
		"metrics": map[string]interface{}{
			"total_events":           p.Metrics.TotalEvents,
			"total_processes":        p.Metrics.TotalProcesses,
			"collection_duration_ms": p.Metrics.CollectionDurationMS,
		},
	}
}

// endpointFields are the system facts a snapshot refreshes on the endpoint
// record. Empty strings and zero sizes leave earlier values alone; risk
// fields belong to the risk scorer and are never written here.
func endpointFields(agentVersion string, p *Payload, seen time.Time) storage.Document {
	si := p.SystemInfo
	set := storage.Document{
		"last_seen":  seen,
		"status":     "online",
		"updated_at": seen,
	}
	for field, value := range map[string]string{
		"agent_version":   agentVersion,
		"os_name":         si.OSName,
		"os_version":      si.OSVersion,
		"os_architecture": si.OSArchitecture,
		"domain":          si.Domain,
		"manufacturer":    si.Manufacturer,
		"model":           si.Model,
	} {
		if value != "" {
			set[field] = value
		}
	}
	if si.CPUCores > 0 {
		set["cpu_cores"] = si.CPUCores
	}
	if si.TotalMemoryGB > 0 {
		set["total_memory_gb"] = si.TotalMemoryGB
	}
	return set
}
