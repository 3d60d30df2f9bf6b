package services

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type fakeS3 struct {
	s3iface.S3API
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func (suite *LedgerTestSuite) TestArchiveHistoryToS3() {
	suite.set("asset/1", split("c1", 6000, "c2", 4000)...)
	suite.set("asset/1", split("c1", 10000)...)

	client := &fakeS3{}
	archive := newArchiveServiceWithClient(suite.store, client, config.AWSConfig{
		ArchiveBucket: "ledger-archive",
		ArchivePrefix: "ownership-archive",
	})

	result, err := archive.ArchiveHistory(suite.ctx, "asset/1")
	suite.Require().NoError(err)
	suite.Equal(3, result.RecordCount)
	suite.True(strings.HasPrefix(result.Key, "ownership-archive/asset%2F1/"), result.Key)
	suite.Equal("s3://ledger-archive/"+result.Key, result.Location)

	suite.Require().NotNil(client.input)
	suite.Equal("ledger-archive", aws.StringValue(client.input.Bucket))
	suite.Equal(result.Checksum, aws.StringValue(client.input.Metadata["sha256"]))
	suite.True(utils.ValidateHash(client.body, result.Checksum))
	suite.EqualValues(len(client.body), result.Size)

	var snapshot historySnapshot
	suite.Require().NoError(json.Unmarshal(client.body, &snapshot))
	suite.Equal("asset/1", snapshot.IPAssetID)
	suite.Len(snapshot.Records, 3)
	suite.NotNil(snapshot.Records[0].EndDate)
}

func (suite *LedgerTestSuite) TestArchiveHistoryToLocalDir() {
	suite.set("asset-1", split("c1", 10000)...)

	archive, err := NewArchiveService(suite.store, config.AWSConfig{
		ArchivePrefix:   "ownership-archive",
		LocalArchiveDir: suite.T().TempDir(),
	})
	suite.Require().NoError(err)

	result, err := archive.ArchiveHistory(suite.ctx, "asset-1")
	suite.Require().NoError(err)

	body, err := os.ReadFile(result.Location)
	suite.Require().NoError(err)
	suite.Equal(result.Checksum, utils.HashBytes(body))

	_, err = archive.ArchiveHistory(suite.ctx, "missing")
	suite.requireLedgerError(err, KindNotFound, ReasonAssetNotFound)
}

func (suite *LedgerTestSuite) TestWriteLocalRejectsChecksumMismatch() {
	archive, err := NewArchiveService(suite.store, config.AWSConfig{LocalArchiveDir: suite.T().TempDir()})
	suite.Require().NoError(err)

	body := []byte(`{"ip_asset_id":"asset-1"}`)
	path, err := archive.writeLocal("asset-1/a.json", body, utils.HashBytes(body))
	suite.Require().NoError(err)
	suite.FileExists(path)

	_, err = archive.writeLocal("asset-1/b.json", body, utils.HashBytes([]byte("other")))
	suite.ErrorContains(err, "does not match checksum")
}
