package health

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/SlpAus/provote-backend/internal/platform/startup"
	"github.com/SlpAus/provote-backend/pkg/lifecycle"
)

const (
	checkInterval = 5 * time.Second
	pingTimeout   = 2 * time.Second
)

var runIDPattern = regexp.MustCompile(`run_id:([a-f0-9]+)`)

// getRedisRunID 从Redis服务器信息中提取run_id。
// run_id在Redis每次重启后都会变化，用它能区分"连接闪断"和"数据丢失"。
func getRedisRunID() (string, error) {
	ctx, cancel := context.WithTimeout(database.Ctx, pingTimeout)
	defer cancel()
	info, err := database.RDB.Info(ctx, "server").Result()
	if err != nil {
		return "", err
	}
	matches := runIDPattern.FindStringSubmatch(info)
	if len(matches) < 2 {
		return "", fmt.Errorf("无法在Redis INFO中找到run_id")
	}
	return matches[1], nil
}

// InitializeRunID 在应用启动时执行一次，获取并设置初始的run_id。
func InitializeRunID() {
	fmt.Println("正在获取初始Redis Run ID...")
	runID, err := getRedisRunID()
	if err != nil {
		panic(fmt.Sprintf("无法在启动时获取Redis Run ID，请检查Redis服务: %v", err))
	}
	database.SetInitialRunID(runID)
	fmt.Printf("获取初始Redis Run ID成功: %s\n", runID)
}

// PerformCheck 执行一次完整的健康检查。
// Redis重启意味着活动缓存和幂等缓存已丢失，但两者都能按需重建，
// 所以检测到重启后直接恢复健康状态并记录新的run_id。
func PerformCheck() {
	currentRunID, err := getRedisRunID()
	if err != nil {
		database.UpdateStatus(false, "")
		return
	}

	lastKnownRunID := database.GetLastKnownRunID()
	if currentRunID != lastKnownRunID {
		startup.HandleRedisRecovery()
	}
	database.UpdateStatus(true, currentRunID)
}

// StartRedisHealthCheck 启动后台Goroutine定期执行健康检查。
func StartRedisHealthCheck(handle *lifecycle.Handle) {
	go func() {
		defer handle.Close()
		fmt.Println("Redis健康检查器已启动。")
		for {
			if err := handle.Sleep(checkInterval); err != nil {
				fmt.Println("Redis健康检查器已停止。")
				return
			}
			PerformCheck()
		}
	}()
}
