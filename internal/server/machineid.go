package server

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
)

// EnvMachineID 显式指定 sonyflake 机器 ID 的环境变量。
// 多实例部署时建议显式分配，避免主机名哈希碰撞。
const EnvMachineID = "GATEWAY_MACHINE_ID"

// machineID 解析请求 ID 生成器的机器 ID。
// 优先读环境变量，其次主机名哈希，最后退回进程 PID，
// 不依赖私有 IPv4 地址，容器和 CI 环境下也能启动。
func machineID() (int, error) {
	if s := os.Getenv(EnvMachineID); s != "" {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("server: invalid %s value %q: %w", EnvMachineID, s, err)
		}
		return int(id), nil
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return int(hashToMachineID(hostname)), nil
	}

	return os.Getpid() & 0xffff, nil
}

// hashToMachineID 将字符串哈希为 16 位机器 ID。
// FNV-1a 哈希后 XOR 折叠，比直接截断低 16 位分布更均匀。
func hashToMachineID(s string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	v := h.Sum32()
	return uint16(v>>16) ^ uint16(v)
}
