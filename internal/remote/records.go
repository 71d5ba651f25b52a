package remote

import "intelliegg/internal/detector"

// RecordsFromDetections は検出結果を送信形式に変換する
func RecordsFromDetections(detections []detector.Detection) []DetectionRecord {
	if len(detections) == 0 {
		return nil
	}
	records := make([]DetectionRecord, 0, len(detections))
	for _, d := range detections {
		records = append(records, DetectionRecord{
			Label:      d.Class.Status(),
			Class:      int(d.Class),
			Confidence: d.Confidence,
			X1:         d.Box.Min.X,
			Y1:         d.Box.Min.Y,
			X2:         d.Box.Max.X,
			Y2:         d.Box.Max.Y,
			Row:        d.Row,
			Column:     d.Column,
		})
	}
	return records
}
