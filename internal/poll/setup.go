package poll

import (
	"fmt"

	"github.com/SlpAus/provote-backend/internal/platform/database"
)

// PrimeDB 负责初始化poll模块的数据库表。
func PrimeDB() error {
	if err := database.DB.AutoMigrate(&Poll{}, &PollOption{}); err != nil {
		return fmt.Errorf("无法迁移poll表: %w", err)
	}
	fmt.Println("Poll数据库表迁移成功。")
	return nil
}
