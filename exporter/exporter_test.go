package exporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/julichbrain/atlas-export/atlas"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/nifti"
)

// mockSource serves fixed maps and records what was requested.
type mockSource struct {
	atlas       *atlas.Atlas
	atlasErr    error
	labelled    map[string]*atlas.LabelledMap
	statistical map[string]*atlas.StatisticalMap
	calls       []string
}

func (m *mockSource) Atlas(ctx context.Context, name string) (*atlas.Atlas, error) {
	m.calls = append(m.calls, "atlas:"+name)
	return m.atlas, m.atlasErr
}

func (m *mockSource) LabelledMap(ctx context.Context, parcellation, space string) (*atlas.LabelledMap, error) {
	m.calls = append(m.calls, "labelled:"+parcellation+"@"+space)
	lm, ok := m.labelled[parcellation]
	if !ok {
		return nil, errors.New("no labelled map")
	}
	return lm, nil
}

func (m *mockSource) StatisticalMap(ctx context.Context, parcellation, space string) (*atlas.StatisticalMap, error) {
	m.calls = append(m.calls, "statistical:"+parcellation+"@"+space)
	sm, ok := m.statistical[parcellation]
	if !ok {
		return nil, errors.New("no statistical map")
	}
	return sm, nil
}

var _ interfaces.AtlasSource = (*mockSource)(nil)

type mockRecorder struct {
	records []interfaces.ExportRecord
	err     error
}

func (r *mockRecorder) RecordExport(ctx context.Context, rec interfaces.ExportRecord) error {
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

func image(t *testing.T, dt nifti.Datatype, values ...float64) *nifti.Image {
	t.Helper()
	img, err := nifti.New([]int{2, 2, 1}, dt, nil)
	if err != nil {
		t.Fatalf("nifti.New: %v", err)
	}
	for i, v := range values {
		img.SetValue(i, v)
	}
	return img
}

// hemisphereMap is a labelled map split into left and right fragments.
func hemisphereMap(t *testing.T, key string) *atlas.LabelledMap {
	return &atlas.LabelledMap{
		Parcellation: key,
		Space:        "mni152",
		Indices: []atlas.MapIndex{
			{Region: "Area 4a left", Volume: 0, Label: 1, Fragment: "left hemisphere"},
			{Region: "Area 3b left", Volume: 0, Label: 2, Fragment: "left hemisphere"},
			{Region: "Area 4a right", Volume: 1, Label: 1, Fragment: "right hemisphere"},
		},
		Volumes: []atlas.Volume{
			atlas.StaticVolume{Image: image(t, nifti.Uint8, 1, 2, 0, 0)},
			atlas.StaticVolume{Image: image(t, nifti.Uint8, 0, 0, 1, 0)},
		},
	}
}

func probabilityMap(t *testing.T, key string, volumes ...atlas.Volume) *atlas.StatisticalMap {
	regions := make([]string, len(volumes))
	for i := range regions {
		regions[i] = "region " + string(rune('A'+i))
	}
	return &atlas.StatisticalMap{Parcellation: key, Space: "mni152", Regions: regions, Volumes: volumes}
}

func newSource(t *testing.T) *mockSource {
	const key = "JULICH_BRAIN_V30"
	return &mockSource{
		atlas: &atlas.Atlas{
			ID:            "human",
			Name:          "Multilevel Human Atlas",
			Parcellations: []string{"ISOCORTEX_SEGMENTATION", key, "julich_lowercase_V1", "LONG_FIBRE_BUNDLES"},
		},
		labelled: map[string]*atlas.LabelledMap{key: hemisphereMap(t, key)},
		statistical: map[string]*atlas.StatisticalMap{key: probabilityMap(t, key,
			atlas.StaticVolume{Image: image(t, nifti.Float32, 0.25, 0.25, 0.25, 0.25)},
			atlas.StaticVolume{},
			atlas.StaticVolume{Image: image(t, nifti.Float32, 0.75, 0.75, 0.75, 0.75)},
		)},
	}
}

func testOptions(t *testing.T) Options {
	return Options{OutputRoot: filepath.Join(t.TempDir(), "parcellations", "Julich-Brain")}
}

func TestRunWritesThreeFilesPerVersion(t *testing.T) {
	source := newSource(t)
	opts := testOptions(t)

	summary, err := Run(context.Background(), opts, source)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.RunID == "" {
		t.Error("Expected a run id")
	}
	if len(summary.Parcellations) != 1 {
		t.Fatalf("Expected 1 parcellation, got %d", len(summary.Parcellations))
	}
	res := summary.Parcellations[0]
	if res.Version != "V30" {
		t.Errorf("Expected version V30, got %s", res.Version)
	}
	if res.Compression != atlas.Compressed {
		t.Errorf("Expected compressed labelled map, got %s", res.Compression)
	}

	dir := filepath.Join(opts.OutputRoot, "V30")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read version dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if strings.Join(names, ",") != "labelled.nii.gz,labels.csv,statistical.nii.gz" {
		t.Errorf("Expected exactly the three output files, got %v", names)
	}
	if summary.FilesWritten() != 3 {
		t.Errorf("Expected 3 files in summary, got %d", summary.FilesWritten())
	}
}

func TestRunSelectsPrefixedParcellationsOnly(t *testing.T) {
	source := newSource(t)

	if _, err := Run(context.Background(), testOptions(t), source); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"atlas:human",
		"labelled:JULICH_BRAIN_V30@mni152",
		"statistical:JULICH_BRAIN_V30@mni152",
	}
	if strings.Join(source.calls, " ") != strings.Join(want, " ") {
		t.Errorf("Expected calls %v, got %v", want, source.calls)
	}
}

func TestRunLabelledOutput(t *testing.T) {
	opts := testOptions(t)
	if _, err := Run(context.Background(), opts, newSource(t)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	dir := filepath.Join(opts.OutputRoot, "V30")

	img, err := nifti.ReadFile(filepath.Join(dir, LabelledFile))
	if err != nil {
		t.Fatalf("Failed to read labelled volume: %v", err)
	}
	want := []float64{1, 2, 3, 0}
	for i, v := range want {
		if got := img.Value(i); got != v {
			t.Errorf("voxel %d: expected %v, got %v", i, v, got)
		}
	}

	csv, err := os.ReadFile(filepath.Join(dir, LabelsFile))
	if err != nil {
		t.Fatalf("Failed to read labels.csv: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(csv), "\n"), "\n")
	if lines[0] != "label,region" {
		t.Errorf("Expected header label,region, got %q", lines[0])
	}
	if len(lines)-1 != 3 {
		t.Errorf("Expected 3 label rows, got %d", len(lines)-1)
	}
	if lines[3] != "3,Area 4a right" {
		t.Errorf("Expected last row 3,Area 4a right, got %q", lines[3])
	}
}

func TestRunFallsBackToUncompressedMap(t *testing.T) {
	source := newSource(t)
	source.labelled["JULICH_BRAIN_V30"] = &atlas.LabelledMap{
		Parcellation: "JULICH_BRAIN_V30",
		Indices: []atlas.MapIndex{
			{Region: "X", Volume: 0, Label: 1},
			{Region: "Y", Volume: 0, Label: 2},
		},
		Volumes: []atlas.Volume{
			atlas.StaticVolume{Image: image(t, nifti.Uint8, 2, 1, 0, 0)},
			atlas.StaticVolume{},
		},
	}
	opts := testOptions(t)

	summary, err := Run(context.Background(), opts, source)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := summary.Parcellations[0].Compression; got != atlas.Uncompressed {
		t.Errorf("Expected uncompressed fallback, got %s", got)
	}

	img, err := nifti.ReadFile(filepath.Join(opts.OutputRoot, "V30", LabelledFile))
	if err != nil {
		t.Fatalf("labelled.nii.gz should exist after fallback: %v", err)
	}
	if img.Value(0) != 2 || img.Value(1) != 1 {
		t.Errorf("Expected the first volume to be saved as is, got %v %v", img.Value(0), img.Value(1))
	}
}

func TestRunDropsAbsentStatisticalVolumes(t *testing.T) {
	opts := testOptions(t)
	summary, err := Run(context.Background(), opts, newSource(t))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res := summary.Parcellations[0]
	if res.StatisticalVolumes != 2 || res.DroppedVolumes != 1 {
		t.Errorf("Expected 2 volumes and 1 dropped, got %d and %d", res.StatisticalVolumes, res.DroppedVolumes)
	}

	img, err := nifti.ReadFile(filepath.Join(opts.OutputRoot, "V30", StatisticalFile))
	if err != nil {
		t.Fatalf("Failed to read statistical volume: %v", err)
	}
	if len(img.Dim) != 4 || img.Dim[3] != 2 {
		t.Fatalf("Expected 4-D image with 2 volumes, got dims %v", img.Dim)
	}
	if img.Value(0) != 0.25 || img.Value(4) != 0.75 {
		t.Errorf("Expected volumes in order A, B; got %v then %v", img.Value(0), img.Value(4))
	}
}

func TestRunIsByteStable(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()

	if _, err := Run(ctx, opts, newSource(t)); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	first := snapshot(t, opts.OutputRoot)

	if _, err := Run(ctx, opts, newSource(t)); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	second := snapshot(t, opts.OutputRoot)

	if len(first) != 3 || len(first) != len(second) {
		t.Fatalf("Expected 3 files in both runs, got %d and %d", len(first), len(second))
	}
	for name, data := range first {
		if string(second[name]) != string(data) {
			t.Errorf("%s differs between runs", name)
		}
	}
}

func snapshot(t *testing.T, root string) map[string][]byte {
	t.Helper()
	files := make(map[string][]byte)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		files[rel] = data
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot %s: %v", root, err)
	}
	return files
}

func TestRunFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, s *mockSource)
		check  func(t *testing.T, err error)
	}{
		{
			name: "missing version token",
			mutate: func(t *testing.T, s *mockSource) {
				s.atlas.Parcellations = []string{"JULICH_BRAIN", "JULICH_BRAIN_V30"}
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, atlas.ErrNoVersionToken) {
					t.Errorf("Expected ErrNoVersionToken, got %v", err)
				}
				if !strings.Contains(err.Error(), "JULICH_BRAIN") {
					t.Errorf("Expected error to name the parcellation, got %v", err)
				}
			},
		},
		{
			name: "no statistical volumes",
			mutate: func(t *testing.T, s *mockSource) {
				s.statistical["JULICH_BRAIN_V30"] = probabilityMap(t, "JULICH_BRAIN_V30", atlas.StaticVolume{}, atlas.StaticVolume{})
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNoStatisticalVolumes) {
					t.Errorf("Expected ErrNoStatisticalVolumes, got %v", err)
				}
			},
		},
		{
			name: "malformed label table",
			mutate: func(t *testing.T, s *mockSource) {
				s.labelled["JULICH_BRAIN_V30"] = &atlas.LabelledMap{
					Parcellation: "JULICH_BRAIN_V30",
					Indices: []atlas.MapIndex{
						{Region: "X", Volume: 0, Label: 1},
						{Region: "Y", Volume: 0, Label: 1},
					},
					Volumes: []atlas.Volume{atlas.StaticVolume{Image: image(t, nifti.Uint8, 1, 0, 0, 0)}},
				}
			},
			check: func(t *testing.T, err error) {
				var malformed *atlas.MalformedMapError
				if !errors.As(err, &malformed) {
					t.Fatalf("Expected MalformedMapError, got %v", err)
				}
				if malformed.Labels != 1 || malformed.Regions != 2 {
					t.Errorf("Expected 1 label and 2 regions, got %d and %d", malformed.Labels, malformed.Regions)
				}
			},
		},
		{
			name: "statistical shape mismatch",
			mutate: func(t *testing.T, s *mockSource) {
				odd, err := nifti.New([]int{3, 2, 1}, nifti.Float32, nil)
				if err != nil {
					t.Fatalf("nifti.New: %v", err)
				}
				s.statistical["JULICH_BRAIN_V30"] = probabilityMap(t, "JULICH_BRAIN_V30",
					atlas.StaticVolume{Image: image(t, nifti.Float32, 0.5)},
					atlas.StaticVolume{Image: odd},
				)
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, nifti.ErrShapeMismatch) {
					t.Errorf("Expected ErrShapeMismatch, got %v", err)
				}
			},
		},
		{
			name: "atlas lookup",
			mutate: func(t *testing.T, s *mockSource) {
				s.atlasErr = errors.New("service unavailable")
			},
			check: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "service unavailable") {
					t.Errorf("Expected source error to be wrapped, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newSource(t)
			tt.mutate(t, source)

			_, err := Run(context.Background(), testOptions(t), source)
			if err == nil {
				t.Fatal("Expected run to fail")
			}
			tt.check(t, err)
		})
	}
}

func TestRunRecordsEveryFile(t *testing.T) {
	recorder := &mockRecorder{}
	opts := testOptions(t)

	summary, err := New(opts, newSource(t), recorder).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(recorder.records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recorder.records))
	}
	for _, rec := range recorder.records {
		if rec.RunID != summary.RunID {
			t.Errorf("Expected run id %s, got %s", summary.RunID, rec.RunID)
		}
		if rec.Version != "V30" || rec.Parcellation != "JULICH_BRAIN_V30" {
			t.Errorf("Unexpected record identity: %+v", rec)
		}
		sum, err := digestFile(filepath.Join(opts.OutputRoot, "V30", rec.File))
		if err != nil {
			t.Fatalf("digest: %v", err)
		}
		if rec.SHA256 != sum {
			t.Errorf("%s: recorded digest %s does not match %s", rec.File, rec.SHA256, sum)
		}
	}
}

func TestRunFailsWhenRecorderFails(t *testing.T) {
	recorder := &mockRecorder{err: errors.New("disk full")}

	_, err := New(testOptions(t), newSource(t), recorder).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Expected recorder error, got %v", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, testOptions(t), newSource(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestEnsureDirIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "V3_0_3")
	for i := 0; i < 2; i++ {
		if err := EnsureDir(dir); err != nil {
			t.Fatalf("EnsureDir call %d failed: %v", i, err)
		}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("Expected directory to exist: %v", err)
	}
}

func TestWriteLabelsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), LabelsFile)
	// decomposed "Ä" must come out composed
	regions := []string{"Area hOc1 (V1, 17, CalcS)", "A\u0308rea"}

	n, err := WriteLabelsCSV(path, []int{1, 2}, regions)
	if err != nil {
		t.Fatalf("WriteLabelsCSV failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if int64(len(data)) != n {
		t.Errorf("Expected %d bytes reported, file has %d", n, len(data))
	}
	want := "label,region\n1,\"Area hOc1 (V1, 17, CalcS)\"\n2,\u00c4rea\n"
	if string(data) != want {
		t.Errorf("Expected %q, got %q", want, string(data))
	}

	if _, err := WriteLabelsCSV(path, []int{1}, regions); err == nil {
		t.Error("Expected error for mismatched lengths")
	}
}

func TestOptionsDefaults(t *testing.T) {
	got := Options{OutputRoot: "/out"}.withDefaults()
	want := DefaultOptions()
	want.OutputRoot = "/out"
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

type mockValidator struct {
	dirs   []string
	report *interfaces.ExportQualityReport
	err    error
}

func (v *mockValidator) ValidateExport(dir string) (*interfaces.ExportQualityReport, error) {
	v.dirs = append(v.dirs, dir)
	return v.report, v.err
}

func TestRunVerifiesEveryVersion(t *testing.T) {
	opts := testOptions(t)
	validator := &mockValidator{report: &interfaces.ExportQualityReport{Labels: 3, UnknownLabelVoxels: 1}}

	summary, err := New(opts, newSource(t), nil).WithValidator(validator).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := filepath.Join(opts.OutputRoot, "V30")
	if len(validator.dirs) != 1 || validator.dirs[0] != want {
		t.Fatalf("Expected one verification of %s, got %v", want, validator.dirs)
	}
	if summary.Parcellations[0].Quality != validator.report {
		t.Error("Expected the quality report in the result")
	}
}

func TestRunFailsWhenVerificationFails(t *testing.T) {
	validator := &mockValidator{err: errors.New("labelled map has 2 volumes")}

	_, err := New(testOptions(t), newSource(t), nil).WithValidator(validator).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "verify") {
		t.Fatalf("Expected verification error, got %v", err)
	}
}

// mockLedger is a recorder that can also list what it recorded.
type mockLedger struct {
	mockRecorder
	listErr error
}

func (l *mockLedger) ListExports(ctx context.Context, version string) ([]interfaces.ExportRecord, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	var out []interfaces.ExportRecord
	for _, rec := range l.records {
		if rec.Version == version {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestRunComparesWithPreviousRun(t *testing.T) {
	opts := testOptions(t)
	ledger := &mockLedger{}

	first, err := New(opts, newSource(t), ledger).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if got := first.Parcellations[0]; got.PriorRuns != 0 || len(got.ChangedFiles) != 0 {
		t.Errorf("Expected no history on the first run, got %d runs, changed %v", got.PriorRuns, got.ChangedFiles)
	}

	second, err := New(opts, newSource(t), ledger).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if got := second.Parcellations[0]; got.PriorRuns != 1 || len(got.ChangedFiles) != 0 {
		t.Errorf("Expected 1 prior run and no changes, got %d runs, changed %v", got.PriorRuns, got.ChangedFiles)
	}

	source := newSource(t)
	source.labelled["JULICH_BRAIN_V30"].Volumes[0] = atlas.StaticVolume{Image: image(t, nifti.Uint8, 2, 1, 0, 0)}
	third, err := New(opts, source, ledger).Run(context.Background())
	if err != nil {
		t.Fatalf("third Run failed: %v", err)
	}
	got := third.Parcellations[0]
	if got.PriorRuns != 2 {
		t.Errorf("Expected 2 prior runs, got %d", got.PriorRuns)
	}
	// same indices, different voxels: only the labelled map changes
	if strings.Join(got.ChangedFiles, ",") != "labelled.nii.gz" {
		t.Errorf("Expected only the labelled map to change, got %v", got.ChangedFiles)
	}
}

func TestRunToleratesLedgerReadFailure(t *testing.T) {
	ledger := &mockLedger{listErr: errors.New("database is locked")}

	summary, err := New(testOptions(t), newSource(t), ledger).Run(context.Background())
	if err != nil {
		t.Fatalf("Expected the export to succeed, got %v", err)
	}
	if summary.Parcellations[0].PriorRuns != 0 {
		t.Errorf("Expected no history, got %d", summary.Parcellations[0].PriorRuns)
	}
}
