package boot

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
)

// BootStatsFile 启动统计文件名
const BootStatsFile = "bootstats.jsn"

// BootStats 跨重启的启动统计
//
// BootNr每次启动递增；LastBootSuccess仅在系统无看门狗复位
// 运行超过longtime阈值后推进，两者之差用于识别启动环路。
type BootStats struct {
	BootNr          uint16 `json:"bootNr"`
	LastBootSuccess uint16 `json:"lastBootSuccess"`
	SoftwareVersion string `json:"softwareVersion"`
}

// LoadBootStats 加载并推进启动统计
//
// 文件不存在或已损坏时按首次启动处理，其他读取错误直接
// 返回。返回值已含递增后的BootNr并已
// 回写磁盘。
func LoadBootStats(fs filestore.Store, log *logger.Logger) (BootStats, error) {
	var stats BootStats
	data, err := fs.Read(BootStatsFile)
	if err == nil {
		if err := json.Unmarshal(data, &stats); err != nil {
			log.Warnf("Discarding corrupt boot stats: %v", err)
			stats = BootStats{}
		}
	} else if !os.IsNotExist(err) {
		return stats, fmt.Errorf("failed to read boot stats: %w", err)
	}

	stats.BootNr++
	if err := SaveBootStats(fs, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// SaveBootStats 持久化启动统计
func SaveBootStats(fs filestore.Store, stats BootStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal boot stats: %w", err)
	}
	if err := fs.Write(BootStatsFile, data); err != nil {
		return fmt.Errorf("failed to write boot stats: %w", err)
	}
	return nil
}

// Migrate 版本变更时清理过期的会话文件
//
// recovery额外清理预约记录，供显式恢复入口使用。
func Migrate(fs filestore.Store, stats *BootStats, version string, recovery bool, log *logger.Logger) error {
	if stats.SoftwareVersion == version && !recovery {
		return nil
	}
	if stats.SoftwareVersion != version && stats.SoftwareVersion != "" {
		log.Infof("Software version changed %s -> %s, migrating session files", stats.SoftwareVersion, version)
	}

	removed, err := fs.RemoveIf(func(name string) bool {
		if strings.HasPrefix(name, "sd") ||
			strings.HasPrefix(name, "tx") ||
			strings.HasPrefix(name, "op") ||
			strings.HasPrefix(name, "sc-") ||
			name == "client-state.cnf" {
			return true
		}
		if recovery && strings.HasPrefix(name, "reservation") {
			return true
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("failed to remove stale session files: %w", err)
	}
	if removed > 0 {
		log.Infof("Removed %d stale session files", removed)
	}

	stats.SoftwareVersion = version
	return SaveBootStats(fs, *stats)
}
