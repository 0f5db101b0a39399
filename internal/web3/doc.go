// Package web3 提供链相关的只读能力：链定义加载与交易费用估算。费用预言机
// 可以是静态费率表，也可以针对 EVM 链通过 RPC 实时读取 gas price。
package web3
