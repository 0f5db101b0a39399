// Package provision 负责 vibeguardd 启动期与运维侧的 MySQL 写入：内嵌迁移、
// 种子账号、带外联系方式与生物识别设备密钥。这些写入能改变 PIN 的投递目标或
// 登记设备，因此与只读的 mysql 包分开，代理二进制不会链接本包。
package provision
