// config/config.go
package config

import (
	"fmt"
	"time"
)

// Config 主配置结构
type Config struct {
	Database DatabaseConfig
	Chain    ChainConfig
	Pending  PendingConfig
	ForkDB   ForkDBConfig
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// BadgerDB配置
	ValueLogFileSize int64         // 64 << 20 (64MB)
	MaxBatchSize     int           // 100
	FlushInterval    time.Duration // 200 * time.Millisecond

	// 写队列配置
	WriteQueueSize      int   // 100000
	WriteBatchSoftLimit int64 // 8 * 1024 * 1024 (8MB)
	MaxCountPerTxn      int   // 500

	// 缓存配置
	BlockCacheSize int // 10, 最近区块 LRU 缓存容量
}

// ChainConfig 共识关键常量（spec.md §6），全网节点必须逐字节一致。
type ChainConfig struct {
	BlocksPerRound               uint32        // 一轮内的 slot 数
	ProducerRepetitions          uint32        // 每个生产者在一轮内连续出块的 slot 数
	ProducerCount                int           // 活跃生产者表大小
	BlockIntervalMS              int64         // 每个 slot 的毫秒数
	MaxTransactionLifetime       time.Duration // 交易过期上限
	MaxAuthorityDepth            int           // 权限递归深度预算
	IrreversibleThresholdPercent int           // 例如 67
	Percent100                   int           // 100，保留为可调项而非字面量
}

// PendingConfig 待出块组装的调优参数
type PendingConfig struct {
	MaxTxsPerBlock    int // 每个区块收据数上限
	TxPerMerkleTree   int // 重新生成根之前每棵子默克尔树的叶子数
	MinTxsForProposal int
}

// ForkDBConfig 内存分叉数据库调优参数
type ForkDBConfig struct {
	MaxSize          int // 头部之后保留的条目数
	ItemCacheSize    int // 分支条目 LRU 容量上限
	ForkingWindow    time.Duration
	DedupGracePeriod time.Duration // 2 * ForkingWindow, 参见 spec.md §9(b)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			ValueLogFileSize:    64 << 20,
			MaxBatchSize:        100,
			FlushInterval:       200 * time.Millisecond,
			WriteQueueSize:      100000,
			WriteBatchSoftLimit: 8 * 1024 * 1024,
			MaxCountPerTxn:      500,
			BlockCacheSize:      10,
		},
		Chain: ChainConfig{
			BlocksPerRound:               21 * 12,
			ProducerRepetitions:          12,
			ProducerCount:                21,
			BlockIntervalMS:              500,
			MaxTransactionLifetime:       60 * time.Second,
			MaxAuthorityDepth:            6,
			IrreversibleThresholdPercent: 67,
			Percent100:                   100,
		},
		Pending: PendingConfig{
			MaxTxsPerBlock:    2500,
			TxPerMerkleTree:   1000,
			MinTxsForProposal: 1,
		},
		ForkDB: ForkDBConfig{
			MaxSize:          10000,
			ItemCacheSize:    4096,
			ForkingWindow:    2 * time.Minute,
			DedupGracePeriod: 4 * time.Minute,
		},
	}
}

// LoadFromFile 从文件加载配置（可选实现）
func LoadFromFile(path string) (*Config, error) {
	// 可以实现从JSON/YAML文件加载配置
	// 这里仅返回默认配置作为示例
	return DefaultConfig(), nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Chain.BlocksPerRound == 0 {
		return fmt.Errorf("config: BlocksPerRound must be positive")
	}
	if c.Chain.ProducerRepetitions == 0 {
		return fmt.Errorf("config: ProducerRepetitions must be positive")
	}
	if c.Chain.BlocksPerRound%c.Chain.ProducerRepetitions != 0 {
		return fmt.Errorf("config: BlocksPerRound must be a multiple of ProducerRepetitions")
	}
	if uint32(c.Chain.ProducerCount)*c.Chain.ProducerRepetitions != c.Chain.BlocksPerRound {
		return fmt.Errorf("config: ProducerCount*ProducerRepetitions must equal BlocksPerRound")
	}
	if c.Chain.IrreversibleThresholdPercent <= 0 || c.Chain.IrreversibleThresholdPercent > c.Chain.Percent100 {
		return fmt.Errorf("config: IrreversibleThresholdPercent out of range")
	}
	if c.Pending.MaxTxsPerBlock <= 0 {
		return fmt.Errorf("config: MaxTxsPerBlock must be positive")
	}
	return nil
}
