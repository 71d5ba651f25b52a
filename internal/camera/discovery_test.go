package camera

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const v4l2ListDevices = `bcm2835-codec-decode (platform:bcm2835-codec):
	/dev/video10
	/dev/video11
	/dev/media3

USB Camera (usb-0000:01:00.0-1.3):
	/dev/video3
	/dev/video2
	/dev/media1

HD Pro Webcam C920 (usb-0000:01:00.0-1.2):
	/dev/video0
	/dev/video1
	/dev/media0
`

const libcameraListCameras = `Available cameras
-----------------
0 : imx219 [3280x2464 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx219@10)
    Modes: 'SRGGB10_CSI2P' : 640x480 [206.65 fps - (1000, 752)/1280x960 crop]
1 : ov5647 [2592x1944 10-bit GBRG] (/base/soc/i2c0mux/i2c@0/ov5647@36)
`

// fakeRunner はコマンドごとに決まった出力を返す
type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	out, ok := f.outputs[key]
	if !ok {
		return nil, errors.New("コマンドが見つかりません")
	}
	return []byte(out), nil
}

const yuyvFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'YUYV' (YUYV 4:2:2)
	[1]: 'MJPG' (Motion-JPEG, compressed)
`

const metadataFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture
`

func TestLinuxDiscovery_ScanV4L2(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"v4l2-ctl --list-devices":                       v4l2ListDevices,
		"v4l2-ctl --device /dev/video0 --list-formats":  yuyvFormats,
		"v4l2-ctl --device /dev/video1 --list-formats":  metadataFormats,
		"v4l2-ctl --device /dev/video2 --list-formats":  metadataFormats,
		"v4l2-ctl --device /dev/video3 --list-formats":  yuyvFormats,
		"v4l2-ctl --device /dev/video10 --list-formats": yuyvFormats,
		"v4l2-ctl --device /dev/video11 --list-formats": yuyvFormats,
	}}
	d := &LinuxDiscovery{run: runner.run}

	devices, err := d.ScanDevices(context.Background(), "ffmpeg")
	if err != nil {
		t.Fatalf("ScanDevices がエラーを返しました: %v", err)
	}

	want := []DeviceInfo{
		{Path: "/dev/video0", Name: "HD Pro Webcam C920", Bus: "usb-0000:01:00.0-1.2"},
		{Path: "/dev/video3", Name: "USB Camera", Bus: "usb-0000:01:00.0-1.3"},
	}
	if !reflect.DeepEqual(devices, want) {
		t.Errorf("期待値 %+v, 実際 %+v", want, devices)
	}
	for _, call := range runner.calls {
		if strings.Contains(call, "/dev/video1 ") || strings.Contains(call, "/dev/video10") {
			t.Errorf("不要なノードを調べています: %s", call)
		}
	}
}

func TestLinuxDiscovery_ScanLibcamera(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"libcamera-hello --list-cameras": libcameraListCameras,
	}}
	d := &LinuxDiscovery{run: runner.run}

	devices, err := d.ScanDevices(context.Background(), "libcamera")
	if err != nil {
		t.Fatalf("ScanDevices がエラーを返しました: %v", err)
	}

	want := []DeviceInfo{
		{Path: "0", Name: "imx219", Bus: "/base/soc/i2c0mux/i2c@1/imx219@10"},
		{Path: "1", Name: "ov5647", Bus: "/base/soc/i2c0mux/i2c@0/ov5647@36"},
	}
	if !reflect.DeepEqual(devices, want) {
		t.Errorf("期待値 %+v, 実際 %+v", want, devices)
	}
}

func TestLinuxDiscovery_ScanErrors(t *testing.T) {
	testCases := []struct {
		name   string
		driver string
	}{
		{"v4l2-ctl がない", "ffmpeg"},
		{"libcamera-hello がない", "libcamera"},
		{"自動検出できないドライバー", "command"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &LinuxDiscovery{run: (&fakeRunner{}).run}
			if _, err := d.ScanDevices(context.Background(), tc.driver); err == nil {
				t.Error("エラーが返されませんでした")
			}
		})
	}
}

func TestParseV4L2Devices(t *testing.T) {
	cards := parseV4L2Devices([]byte(v4l2ListDevices))
	if len(cards) != 3 {
		t.Fatalf("カード数 期待値 3, 実際 %d", len(cards))
	}
	usb := cards[1]
	if usb.Name != "USB Camera" || usb.Bus != "usb-0000:01:00.0-1.3" {
		t.Errorf("カード名とバスが不正です: %+v", usb.DeviceInfo)
	}
	if !reflect.DeepEqual(usb.nodes, []string{"/dev/video2", "/dev/video3"}) {
		t.Errorf("ノードは番号順に並ぶはずです: %v", usb.nodes)
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	testCases := map[string]int{
		"/dev/video0":  0,
		"/dev/video12": 12,
		"/dev/media0":  0,
		"0":            0,
	}
	for device, want := range testCases {
		if got := extractDeviceNumber(device); got != want {
			t.Errorf("%s: 期待値 %d, 実際 %d", device, want, got)
		}
	}
}

func TestResolveDevice(t *testing.T) {
	scanErr := errors.New("v4l2-ctl が見つかりません")
	c920 := DeviceInfo{Path: "/dev/video0", Name: "HD Pro Webcam C920", Bus: "usb-1.2"}
	usbCam := DeviceInfo{Path: "/dev/video2", Name: "USB Camera", Bus: "usb-1.3"}

	testCases := []struct {
		name    string
		devices []DeviceInfo
		scanErr error
		device  string
		want    DeviceInfo
		wantErr error
	}{
		{"明示したデバイスにカメラ名を補う", []DeviceInfo{c920, usbCam}, nil, "/dev/video2", usbCam, nil},
		{"検出されないデバイスはそのまま使う", []DeviceInfo{c920}, nil, "/dev/video5", DeviceInfo{Path: "/dev/video5"}, nil},
		{"明示したデバイスは検出の失敗を無視する", nil, scanErr, "/dev/video0", DeviceInfo{Path: "/dev/video0"}, nil},
		{"自動検出は先頭を使う", []DeviceInfo{c920, usbCam}, nil, "auto", c920, nil},
		{"自動検出でカメラなし", nil, nil, "auto", DeviceInfo{}, ErrNoDevice},
		{"自動検出の失敗", nil, scanErr, "auto", DeviceInfo{}, scanErr},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mock := NewMockDiscovery(tc.devices)
			if tc.scanErr != nil {
				mock.SetError(tc.scanErr)
			}

			got, err := ResolveDevice(context.Background(), mock, "ffmpeg", tc.device)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("期待したエラー %v, 実際 %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if got != tc.want {
				t.Errorf("期待値 %+v, 実際 %+v", tc.want, got)
			}
		})
	}
}

func TestResolveDevice_PassesDriver(t *testing.T) {
	mock := NewMockDiscovery([]DeviceInfo{{Path: "0", Name: "imx219"}})

	got, err := ResolveDevice(context.Background(), mock, "libcamera", "auto")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "0" || got.Name != "imx219" {
		t.Errorf("libcamera のカメラが選ばれていません: %+v", got)
	}
	if drivers := mock.Drivers(); len(drivers) != 1 || drivers[0] != "libcamera" {
		t.Errorf("ドライバーが渡されていません: %v", drivers)
	}
}
