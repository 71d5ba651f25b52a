package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// DeviceInfo は検出したカメラ
type DeviceInfo struct {
	Path string // ffmpeg では /dev/videoN、libcamera ではカメラ番号
	Name string // v4l2 のカード名または libcamera のセンサー名
	Bus  string
}

// commandRunner は外部コマンドを実行して標準出力を返す
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output()
}

// LinuxDiscovery は v4l2-ctl と libcamera-hello の出力からカメラを検出する
type LinuxDiscovery struct {
	run commandRunner
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() Discovery {
	return &LinuxDiscovery{run: runCommand}
}

// ScanDevices はドライバーで使えるカメラを優先順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context, driver string) ([]DeviceInfo, error) {
	switch driver {
	case "ffmpeg":
		return d.scanV4L2(ctx)
	case "libcamera":
		return d.scanLibcamera(ctx)
	default:
		return nil, fmt.Errorf("ドライバー %s は自動検出に対応していません", driver)
	}
}

var (
	videoNodePattern = regexp.MustCompile(`^/dev/video(\d+)$`)
	// "HD Pro Webcam C920 (usb-0000:00:14.0-1):"
	v4l2CardPattern = regexp.MustCompile(`^(.+?) \(([^()]*)\):$`)
	// "0 : imx219 [3280x2464 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx219@10)"
	libcameraPattern = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)\s*\[[^\]]*\]\s*\(([^)]*)\)`)
)

// scanV4L2 は物理カメラごとにカラー映像を出せる最小番号のノードを1つ選ぶ
// コーデックやISPなどUSB以外のノードは対象外
func (d *LinuxDiscovery) scanV4L2(ctx context.Context) ([]DeviceInfo, error) {
	out, err := d.run(ctx, "v4l2-ctl", "--list-devices")
	if err != nil {
		return nil, fmt.Errorf("v4l2-ctl の実行に失敗: %w", err)
	}

	var devices []DeviceInfo
	for _, card := range parseV4L2Devices(out) {
		if !strings.HasPrefix(card.Bus, "usb-") {
			continue
		}
		for _, node := range card.nodes {
			if err := ctx.Err(); err != nil {
				return devices, err
			}
			if d.supportsColor(ctx, node) {
				devices = append(devices, DeviceInfo{Path: node, Name: card.Name, Bus: card.Bus})
				break
			}
		}
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return extractDeviceNumber(devices[i].Path) < extractDeviceNumber(devices[j].Path)
	})
	return devices, nil
}

// supportsColor はノードが YUYV か MJPG のキャプチャに対応しているかを返す
func (d *LinuxDiscovery) supportsColor(ctx context.Context, node string) bool {
	out, err := d.run(ctx, "v4l2-ctl", "--device", node, "--list-formats")
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte("'YUYV'")) || bytes.Contains(out, []byte("'MJPG'"))
}

type v4l2Card struct {
	DeviceInfo
	nodes []string
}

// parseV4L2Devices は v4l2-ctl --list-devices の出力をカードごとにまとめる
func parseV4L2Devices(out []byte) []v4l2Card {
	var (
		cards   []v4l2Card
		current *v4l2Card
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			current = nil
		case line[0] != ' ' && line[0] != '\t':
			cards = append(cards, v4l2Card{})
			current = &cards[len(cards)-1]
			if m := v4l2CardPattern.FindStringSubmatch(trimmed); m != nil {
				current.Name, current.Bus = m[1], m[2]
			} else {
				current.Name = strings.TrimSuffix(trimmed, ":")
			}
		case current != nil && videoNodePattern.MatchString(trimmed):
			current.nodes = append(current.nodes, trimmed)
		}
	}
	for i := range cards {
		sort.Slice(cards[i].nodes, func(a, b int) bool {
			return extractDeviceNumber(cards[i].nodes[a]) < extractDeviceNumber(cards[i].nodes[b])
		})
	}
	return cards
}

// scanLibcamera は libcamera が認識しているカメラを番号順に返す
func (d *LinuxDiscovery) scanLibcamera(ctx context.Context) ([]DeviceInfo, error) {
	out, err := d.run(ctx, "libcamera-hello", "--list-cameras")
	if err != nil {
		return nil, fmt.Errorf("libcamera-hello の実行に失敗: %w", err)
	}

	var devices []DeviceInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := libcameraPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		devices = append(devices, DeviceInfo{Path: m[1], Name: m[2], Bus: m[3]})
	}
	return devices, nil
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := videoNodePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}

// ResolveDevice は設定されたデバイスを解決する
// "auto" の場合は検出されたカメラの先頭を使う
// 明示されたデバイスは検出結果にあればカメラ名を補う。検出の失敗は無視する
func ResolveDevice(ctx context.Context, d Discovery, driver, device string) (DeviceInfo, error) {
	if device != "auto" {
		info := DeviceInfo{Path: device}
		if devices, err := d.ScanDevices(ctx, driver); err == nil {
			for _, dev := range devices {
				if dev.Path == device {
					info = dev
					break
				}
			}
		}
		return info, nil
	}

	devices, err := d.ScanDevices(ctx, driver)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("カメラの自動検出に失敗: %w", err)
	}
	if len(devices) == 0 {
		return DeviceInfo{}, ErrNoDevice
	}
	return devices[0], nil
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []DeviceInfo
	err     error
	drivers []string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []DeviceInfo) *MockDiscovery {
	return &MockDiscovery{devices: devices}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context, driver string) ([]DeviceInfo, error) {
	m.drivers = append(m.drivers, driver)
	if m.err != nil {
		return nil, m.err
	}
	return m.devices, nil
}

// SetError はScanDevicesが返すエラーを設定する
func (m *MockDiscovery) SetError(err error) {
	m.err = err
}

// Drivers はScanDevicesに渡されたドライバーを返す
func (m *MockDiscovery) Drivers() []string {
	return m.drivers
}
