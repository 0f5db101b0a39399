// Package mysql 是账本的只读 MySQL 视图：钱包、余额、质押、交易、奖励
// 与 API 账号查询。账本写入在 ledgerwrite 子包，联系方式、设备密钥、
// 种子账号与迁移在 provision 子包，AI 代理只会链接本包。
package mysql
