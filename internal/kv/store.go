// Package kv はソース単位の状態（アクセス健全性・既読ウィンドウ）を保存する
// キーバリューストアを提供する。
package kv

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// 状態種別ごとのキープレフィックス
const (
	PrefixHealth = "health:"
	PrefixSeen   = "seen:"
)

// maxUpdateRetries はUpdateがCAS競合時に再試行する上限回数。
const maxUpdateRetries = 8

// ErrConflict はUpdateが再試行上限までCASに失敗した場合に返される。
var ErrConflict = errors.New("kv: compare-and-swap conflict")

// Store はget/set/compareAndSwapを提供するキーバリューストア。
// プロセスの再起動をまたいで状態を保持したい場合はRedis実装を使う。
type Store interface {
	// Get はキーの値を返す。キーが存在しない場合はfalseを返す。
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set は値を無条件に書き込む。ttlが0の場合は期限なし。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap は現在値がoldと一致する場合のみvalueを書き込む。
	// oldがnilの場合は「キーが存在しないこと」を条件とする。
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
}

// SourceKey はソースURLから決定的なキーを生成する。
// URLのSHA-256先頭8バイトを16進表記してプレフィックスに連結する。
func SourceKey(prefix, sourceURL string) string {
	hash := sha256.Sum256([]byte(sourceURL))
	return fmt.Sprintf("%s%x", prefix, hash[:8])
}

// Update はキーの現在値を読み出してfnで変換し、CASで書き戻す。
// 競合した場合は読み直して再試行する。fnにはキーが存在しない場合nilが渡される。
func Update(ctx context.Context, store Store, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error {
	for i := 0; i < maxUpdateRetries; i++ {
		old, ok, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("kv get %s に失敗しました: %w", key, err)
		}
		if !ok {
			old = nil
		}

		next, err := fn(old)
		if err != nil {
			return err
		}

		swapped, err := store.CompareAndSwap(ctx, key, old, next, ttl)
		if err != nil {
			return fmt.Errorf("kv compare-and-swap %s に失敗しました: %w", key, err)
		}
		if swapped {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrConflict
}
