package memory

import (
	"fmt"
	"strconv"

	"gridharvest/internal/record"
)

// ReplicaSpec describes one replica of a fixture dataset.
type ReplicaSpec struct {
	DataNode  string
	IndexNode string
	Master    bool
	// Services offered by the dataset replica itself (catalog, LAS, ...).
	DatasetServices []record.Service
	// Services offered by each file on this replica.
	FileServices []record.Service
	// FileIDSuffix, when non-empty, is appended to file instance ids on this
	// replica, mimicking ids corrupted by distributed indexing.
	FileIDSuffix string
	// Extra metadata published on this replica's dataset record only.
	Extra map[record.Key]string
}

// FileSpec describes one file of a fixture dataset.
type FileSpec struct {
	Name     string
	Size     int64
	Checksum string
	Variable string
}

// DatasetSpec describes a dataset published across several replicas.
type DatasetSpec struct {
	InstanceID string
	Title      string
	Project    string
	Variable   string
	Replicas   []ReplicaSpec
	Files      []FileSpec
}

// ReplicaID returns the node-specific id of a dataset replica.
func ReplicaID(instanceID, dataNode string) string {
	return instanceID + "|" + dataNode
}

// FileInstanceID returns the canonical instance id of a fixture file.
func FileInstanceID(datasetID, name string) string {
	return datasetID + "." + name
}

func serviceURL(svc record.Service, dataNode, path string) string {
	switch svc {
	case record.ServiceHTTPServer:
		return fmt.Sprintf("http://%s/thredds/fileServer/%s|application/netcdf|HTTPServer", dataNode, path)
	case record.ServiceOPeNDAP:
		return fmt.Sprintf("http://%s/thredds/dodsC/%s.html|application/opendap-html|OPENDAP", dataNode, path)
	case record.ServiceGridFTP:
		return fmt.Sprintf("gsiftp://%s:2811//%s|application/gridftp|GridFTP", dataNode, path)
	case record.ServiceCatalog:
		return fmt.Sprintf("http://%s/thredds/catalog/%s.xml|application/xml+thredds|THREDDS", dataNode, path)
	case record.ServiceLAS:
		return fmt.Sprintf("http://%s/las/getUI.do?catid=%s|application/las|LAS", dataNode, path)
	case record.ServiceSRM:
		return fmt.Sprintf("srm://%s/%s|application/srm|SRM", dataNode, path)
	}
	return ""
}

func urls(services []record.Service, dataNode, path string) record.Value {
	items := make([]string, 0, len(services))
	for _, svc := range services {
		items = append(items, serviceURL(svc, dataNode, path))
	}
	return record.List(items...)
}

// PublishDataset publishes every replica and file record of spec.
func (g *Grid) PublishDataset(spec DatasetSpec) {
	for _, rep := range spec.Replicas {
		rid := ReplicaID(spec.InstanceID, rep.DataNode)

		md := record.NewMetadata()
		md.SetString(record.KeyID, rid)
		md.SetString(record.KeyInstanceID, spec.InstanceID)
		md.SetString(record.KeyMasterID, spec.InstanceID)
		md.SetString(record.KeyType, "Dataset")
		md.SetString(record.KeyDataNode, rep.DataNode)
		md.SetString(record.KeyIndexNode, rep.IndexNode)
		md.SetString(record.KeyReplica, strconv.FormatBool(!rep.Master))
		md.SetString(record.KeyTitle, spec.Title)
		md.SetString(record.KeyNumberOfFiles, strconv.Itoa(len(spec.Files)))
		if spec.Project != "" {
			md.SetString(record.KeyProject, spec.Project)
		}
		if spec.Variable != "" {
			md.SetString(record.KeyVariable, spec.Variable)
		}
		md.Set(record.KeyURL, urls(rep.DatasetServices, rep.DataNode, spec.InstanceID))
		for k, v := range rep.Extra {
			md.SetString(k, v)
		}
		g.Publish(rep.IndexNode, md)

		for _, f := range spec.Files {
			fid := FileInstanceID(spec.InstanceID, f.Name)
			published := fid + rep.FileIDSuffix

			fm := record.NewMetadata()
			fm.SetString(record.KeyID, ReplicaID(published, rep.DataNode))
			fm.SetString(record.KeyInstanceID, published)
			fm.SetString(record.KeyMasterID, fid)
			fm.SetString(record.KeyType, "File")
			fm.SetString(record.KeyDatasetID, rid)
			fm.SetString(record.KeyDataNode, rep.DataNode)
			fm.SetString(record.KeyIndexNode, rep.IndexNode)
			fm.SetString(record.KeyReplica, strconv.FormatBool(!rep.Master))
			fm.SetString(record.KeyTitle, f.Name)
			fm.SetString(record.KeySize, strconv.FormatInt(f.Size, 10))
			if f.Checksum != "" {
				fm.Set(record.KeyChecksum, record.List(f.Checksum))
				fm.Set(record.KeyChecksumType, record.List("SHA256"))
			}
			variable := f.Variable
			if variable == "" {
				variable = spec.Variable
			}
			if variable != "" {
				fm.SetString(record.KeyVariable, variable)
			}
			if spec.Project != "" {
				fm.SetString(record.KeyProject, spec.Project)
			}
			fm.Set(record.KeyURL, urls(rep.FileServices, rep.DataNode, spec.InstanceID+"/"+f.Name))
			g.Publish(rep.IndexNode, fm)
		}
	}
}

// DemoFileSize is the size of every file published by DemoGrid.
const DemoFileSize = 1 << 20

// DemoGrid returns a grid with a handful of datasets spread over two index
// nodes, used by the CLI demo mode.
func DemoGrid() (*Grid, string) {
	const node = "esgf-index1.example.org"
	g := New()
	for i, v := range []string{"tas", "pr", "psl"} {
		id := fmt.Sprintf("cmip5.output1.EXAMPLE.model.historical.mon.atmos.Amon.r%di1p1.v20120101", i+1)
		g.PublishDataset(DatasetSpec{
			InstanceID: id,
			Title:      "EXAMPLE model historical " + v,
			Project:    "CMIP5",
			Variable:   v,
			Replicas: []ReplicaSpec{
				{
					DataNode: "dn1.example.org", IndexNode: node, Master: true,
					DatasetServices: []record.Service{record.ServiceCatalog, record.ServiceLAS},
					FileServices:    []record.Service{record.ServiceHTTPServer, record.ServiceOPeNDAP},
				},
				{
					DataNode: "dn2.example.org", IndexNode: "esgf-index2.example.org",
					DatasetServices: []record.Service{record.ServiceCatalog},
					FileServices:    []record.Service{record.ServiceGridFTP},
					FileIDSuffix:    "_1",
				},
			},
			Files: []FileSpec{
				{Name: v + "_Amon_EXAMPLE_historical_185001-189912.nc", Size: DemoFileSize},
				{Name: v + "_Amon_EXAMPLE_historical_190001-194912.nc", Size: DemoFileSize},
			},
		})
	}
	return g, node
}
