package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はスキーママイグレーションを表すドメインモデル。
type Migration struct {
	Version   string          // バージョン（例: "001"）
	Name      string          // 名前（ファイル名から抽出）
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	FilePath  string          // SQLファイルのパス
	Status    MigrationStatus // 適用状態
}
