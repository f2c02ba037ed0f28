package domain

import "errors"

var (
	// ErrKeyNotFound は指定されたIDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrRotationLimit はローテーション上限により新しい鍵を admit できない場合のエラー。
	// 既存の2鍵がどちらも退役予定のとき、空きを作れないため生成は失敗する。
	ErrRotationLimit = errors.New("rotation limit reached")

	// ErrRotationConflict はローテーションの条件付き更新が競合に負けた場合のエラー。
	ErrRotationConflict = errors.New("rotation conflict")

	// ErrCorruptedSecret は認証付き復号の検証に失敗した場合のエラー。
	// データ破損または鍵の不一致を意味し、黙殺してはならない。
	ErrCorruptedSecret = errors.New("secret integrity check failed")

	// ErrInvalidTransition は状態遷移表にない遷移を試みた場合のエラー（プログラミングエラー）。
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidClientID はクライアントIDの形式が不正な場合のエラー。
	ErrInvalidClientID = errors.New("invalid client ID")

	// ErrInvalidKeyID は鍵IDの形式が不正な場合のエラー。
	ErrInvalidKeyID = errors.New("invalid key ID")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
